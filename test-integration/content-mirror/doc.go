// Package integration runs the content mirror end to end against a fake CMS:
// initial and incremental sync, webhook delivery, durable resume and direct
// delivery.
package integration
