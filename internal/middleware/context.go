// Package middleware wraps a store.Store with an ordered chain of stages that
// drop or rewrite entries on their way to the caller.
//
// Stages see a read-only Context made of the per-request delivery parameters,
// carried on context.Context, and the static pipeline configuration.
package middleware

import (
	"context"
)

// Params are the per-request delivery parameters
type Params struct {
	// Preview marks a privileged request that may see unpublished content
	Preview bool

	// Locale is the requested locale, empty for the default
	Locale string
}

// Config is the static configuration shared by every stage of a pipeline
type Config struct {
	DefaultLocale string
}

// Context is what a stage sees for one call. Stages must not modify it.
type Context struct {
	Params Params
	Config Config
}

type paramsKey struct{}

// WithParams returns a context carrying the delivery parameters
func WithParams(ctx context.Context, params Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// ParamsFromContext returns the delivery parameters carried by ctx, or the
// zero value for a plain delivery request.
func ParamsFromContext(ctx context.Context) Params {
	params, _ := ctx.Value(paramsKey{}).(Params)
	return params
}

// LocaleOrDefault returns the requested locale, falling back to the configured default
func (c Context) LocaleOrDefault() string {
	if c.Params.Locale != "" {
		return c.Params.Locale
	}
	return c.Config.DefaultLocale
}
