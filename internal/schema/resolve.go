package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"
	gosync "sync"

	"github.com/graphql-go/graphql"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/store"
)

// node is the source value of every content type object
type node struct {
	entry *cms.Entry

	// locale is the one fields are read in; requested is what the query asked for
	locale    string
	requested string
	fallback  string
	depth     int
}

// value reads a field in the node locale, then the default locale, then the
// locale the entry was projected to
func (n *node) value(fieldID string) (any, bool) {
	for _, locale := range []string{n.locale, n.fallback, n.entry.Sys.Locale} {
		if locale == "" {
			continue
		}
		if v, ok := n.entry.Field(fieldID, locale); ok {
			return v, true
		}
	}
	return nil, false
}

// resolveState memoizes link lookups for the duration of one query
type resolveState struct {
	mu      gosync.Mutex
	entries map[string]*cms.Entry
	misses  map[string]bool
}

type stateKey struct{}

func withResolveState(ctx context.Context) context.Context {
	return context.WithValue(ctx, stateKey{}, &resolveState{
		entries: map[string]*cms.Entry{},
		misses:  map[string]bool{},
	})
}

func (b *builder) find(ctx context.Context, id, requested string) (*cms.Entry, error) {
	state, _ := ctx.Value(stateKey{}).(*resolveState)
	key := requested + "|" + id

	if state != nil {
		state.mu.Lock()
		entry, hit := state.entries[key]
		missed := state.misses[key]
		state.mu.Unlock()
		if hit {
			return entry, nil
		}
		if missed {
			return nil, store.ErrNotFound
		}
	}

	entry, err := b.store.Find(withLocale(ctx, requested), id)
	if state != nil {
		state.mu.Lock()
		switch {
		case err == nil:
			state.entries[key] = entry
		case errors.Is(err, store.ErrNotFound):
			state.misses[key] = true
		}
		state.mu.Unlock()
	}
	return entry, err
}

func withLocale(ctx context.Context, locale string) context.Context {
	if locale == "" {
		return ctx
	}
	params := middleware.ParamsFromContext(ctx)
	if params.Locale == locale {
		return ctx
	}
	params.Locale = locale
	return middleware.WithParams(ctx, params)
}

// follow resolves one entry link from n. Missing targets and targets of an
// unexpected content type resolve to nil.
func (b *builder) follow(ctx context.Context, n *node, link cms.Link, targets []string) (*node, error) {
	if link.LinkType != "" && link.LinkType != cms.LinkEntry {
		return nil, nil
	}
	if n.depth+1 > b.maxDepth {
		return nil, fmt.Errorf("%w: %d links from entry %s", errDepthExceeded, b.maxDepth, n.entry.Sys.ID)
	}

	entry, err := b.find(ctx, link.ID, n.requested)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, known := b.objects[entry.Sys.ContentTypeID]; !known {
		return nil, nil
	}
	if len(targets) > 0 && !slices.Contains(targets, entry.Sys.ContentTypeID) {
		return nil, nil
	}
	return &node{entry: entry, locale: n.locale, requested: n.requested, fallback: n.fallback, depth: n.depth + 1}, nil
}

func (*builder) resolveValue(fieldID string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		v, _ := p.Source.(*node).value(fieldID)
		return v, nil
	}
}

func (*builder) resolveAssetLink(fieldID string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		v, _ := p.Source.(*node).value(fieldID)
		if link, ok := cms.AsLink(v); ok {
			return link, nil
		}
		return nil, nil
	}
}

func (*builder) resolveAssetLinks(fieldID string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		v, _ := p.Source.(*node).value(fieldID)
		items, _ := v.([]any)
		links := make([]any, 0, len(items))
		for _, item := range items {
			if link, ok := cms.AsLink(item); ok {
				links = append(links, link)
			}
		}
		return links, nil
	}
}

func (b *builder) resolveEntryLink(fieldID string, targets []string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		n := p.Source.(*node)
		v, _ := n.value(fieldID)
		link, ok := cms.AsLink(v)
		if !ok {
			return nil, nil
		}
		target, err := b.follow(p.Context, n, link, targets)
		if err != nil || target == nil {
			return nil, err
		}
		return target, nil
	}
}

func (b *builder) resolveEntryLinks(fieldID string, targets []string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		n := p.Source.(*node)
		v, _ := n.value(fieldID)
		items, _ := v.([]any)

		out := make([]any, 0, len(items))
		for _, item := range items {
			link, ok := cms.AsLink(item)
			if !ok {
				continue
			}
			target, err := b.follow(p.Context, n, link, targets)
			if err != nil {
				return nil, err
			}
			// unresolvable links are dropped rather than returned as null items
			if target != nil {
				out = append(out, target)
			}
		}
		return out, nil
	}
}

// rootLocale returns the locale requested by the locale argument or the
// delivery params, and the locale fields are read in
func (b *builder) rootLocale(ctx context.Context, args map[string]any) (requested, read string) {
	requested, _ = args["locale"].(string)
	if requested == "" {
		requested = middleware.ParamsFromContext(ctx).Locale
	}
	read = requested
	if read == "" {
		read = b.defaultLocale
	}
	return requested, read
}

func (b *builder) resolveOne(contentTypeID string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		id, _ := p.Args["id"].(string)
		requested, read := b.rootLocale(p.Context, p.Args)

		entry, err := b.find(p.Context, id, requested)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if entry.Sys.ContentTypeID != contentTypeID {
			return nil, nil
		}
		return &node{entry: entry, locale: read, requested: requested, fallback: b.defaultLocale}, nil
	}
}

func (b *builder) resolveAll(ct *cms.ContentType) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		requested, read := b.rootLocale(p.Context, p.Args)

		limit, _ := p.Args["limit"].(int)
		if limit <= 0 {
			limit = DefaultLimit
		}
		limit = min(limit, MaxLimit)
		skip, _ := p.Args["skip"].(int)
		order, _ := p.Args["order"].(string)

		query := store.Query{
			Filter: toFilter(ct, p.Args["filter"]),
			Limit:  limit,
			Skip:   max(skip, 0),
			Order:  order,
			Locale: requested,
		}
		entries, err := b.store.FindAll(withLocale(p.Context, requested), ct.ID, query)
		if err != nil {
			return nil, err
		}

		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = &node{entry: e, locale: read, requested: requested, fallback: b.defaultLocale}
		}
		return out, nil
	}
}
