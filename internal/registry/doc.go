// Package registry holds the indexed set of content types discovered from the CMS.
//
// A Registry is built once from a content type listing and is immutable
// afterwards. Reads never fail and need no locking. Picking up content types
// added later requires an explicit rebuild, published through a Holder so that
// concurrent readers see either the old or the new registry in full:
//
//	reg, err := registry.Build(contentTypes)
//	holder := registry.NewHolder(reg)
//	// ... later, on operator request
//	_, err = holder.Rebuild(ctx, client, 100, nil)
//
// Models maps content type ids to entry constructors, falling back to a
// generic representation for unknown types. The holder rebuilds it with
// every registry swap.
package registry
