package middleware

import (
	"context"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/store"
)

// Stage decides whether an entry reaches the caller
type Stage interface {
	// Name identifies the stage in logs
	Name() string

	// Select reports whether the entry is kept
	Select(entry *cms.Entry, mc Context) bool
}

// Transformer is implemented by stages that rewrite the entries they keep.
// Transform must return a new entry rather than modify its argument.
type Transformer interface {
	Transform(entry *cms.Entry, mc Context) *cms.Entry
}

// Skipper is implemented by stages that do not apply to some requests. It is
// evaluated once per call from the context alone.
type Skipper interface {
	Skip(mc Context) bool
}

// Pipeline is a store.Store that runs every entry from the inner store
// through its stages in order.
type Pipeline struct {
	inner  store.Store
	config Config
	stages []Stage
}

var _ store.Store = (*Pipeline)(nil)

// New creates a pipeline around inner. Stages run in the order given.
func New(inner store.Store, config Config, stages ...Stage) *Pipeline {
	return &Pipeline{inner: inner, config: config, stages: stages}
}

// Stages returns the names of the configured stages in order
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

func (p *Pipeline) context(ctx context.Context) Context {
	return Context{Params: ParamsFromContext(ctx), Config: p.config}
}

// active returns the stages that apply to this call
func (p *Pipeline) active(mc Context) []Stage {
	active := make([]Stage, 0, len(p.stages))
	for _, s := range p.stages {
		if sk, ok := s.(Skipper); ok && sk.Skip(mc) {
			continue
		}
		active = append(active, s)
	}
	return active
}

// run applies select then transform per stage, stopping at the first drop
func run(entry *cms.Entry, stages []Stage, mc Context) (*cms.Entry, bool) {
	for _, s := range stages {
		if !s.Select(entry, mc) {
			logger.Debug("Entry dropped by middleware", "stage", s.Name(), "id", entry.Sys.ID)
			return nil, false
		}
		if t, ok := s.(Transformer); ok {
			entry = t.Transform(entry, mc)
		}
	}
	return entry, true
}

// Find implements store.Store. An entry dropped by a stage is reported as not found.
func (p *Pipeline) Find(ctx context.Context, id string) (*cms.Entry, error) {
	entry, err := p.inner.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	mc := p.context(ctx)
	out, ok := run(entry, p.active(mc), mc)
	if !ok {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// FindBy implements store.Store
func (p *Pipeline) FindBy(ctx context.Context, contentType string, filter store.Filter) (*cms.Entry, error) {
	mc := p.context(ctx)
	active := p.active(mc)
	if len(active) == 0 {
		return p.inner.FindBy(ctx, contentType, filter)
	}

	entries, err := p.inner.FindAll(ctx, contentType, store.Query{Filter: filter, Locale: mc.Params.Locale})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if out, ok := run(e, active, mc); ok {
			return out, nil
		}
	}
	return nil, store.ErrNotFound
}

// FindAll implements store.Store. With active stages the inner query is
// unpaged and skip and limit apply to the entries that pass every stage.
func (p *Pipeline) FindAll(ctx context.Context, contentType string, query store.Query) ([]*cms.Entry, error) {
	mc := p.context(ctx)
	if query.Locale == "" {
		query.Locale = mc.Params.Locale
	}

	active := p.active(mc)
	if len(active) == 0 {
		return p.inner.FindAll(ctx, contentType, query)
	}

	inner := query
	inner.Limit, inner.Skip = 0, 0
	entries, err := p.inner.FindAll(ctx, contentType, inner)
	if err != nil {
		return nil, err
	}

	kept := make([]*cms.Entry, 0, len(entries))
	for _, e := range entries {
		if out, ok := run(e, active, mc); ok {
			kept = append(kept, out)
		}
	}
	return store.Paginate(kept, query.Skip, query.Limit), nil
}
