package schema

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/graphql-go/graphql"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	"github.com/stacklok/content-mirror/internal/registry"
	"github.com/stacklok/content-mirror/internal/store"
)

// Service serves queries against the current schema and rebuilds it on demand.
// Registry and schema are swapped together so a query sees one consistent pair.
type Service struct {
	holder *registry.Holder
	store  store.Store
	opts   Options
	extra  []FieldSource

	current atomic.Pointer[Schema]
}

// NewService builds the schema for the registry held by holder. Extra sources
// are merged into the root query type.
func NewService(holder *registry.Holder, s store.Store, opts Options, extra ...FieldSource) (*Service, error) {
	svc := &Service{holder: holder, store: s, opts: opts, extra: extra}
	built, err := svc.build(holder.Load())
	if err != nil {
		return nil, err
	}
	svc.current.Store(built)
	return svc, nil
}

func (s *Service) build(reg *registry.Registry) (*Schema, error) {
	// a space without content types still serves the extra fields
	if reg != nil && reg.Len() == 0 && len(s.extra) > 0 {
		return Merge("Query", s.extra...)
	}
	built, err := Build(reg, s.store, s.opts)
	if err != nil {
		return nil, err
	}
	if len(s.extra) == 0 {
		return built, nil
	}
	return Merge("Query", append([]FieldSource{built}, s.extra...)...)
}

// Schema returns the schema currently served
func (s *Service) Schema() *Schema {
	return s.current.Load()
}

// Execute runs a query against the current schema
func (s *Service) Execute(ctx context.Context, query string, variables map[string]any, operationName string) *graphql.Result {
	return s.Schema().Execute(ctx, query, variables, operationName)
}

// Rebuild reloads content types, builds a new schema and swaps both in.
// On any failure the current registry and schema keep serving.
func (s *Service) Rebuild(ctx context.Context, client cms.Client, pageSize int) error {
	prevTypes := s.holder.Load().Len()

	var built *Schema
	reg, err := s.holder.Rebuild(ctx, client, pageSize, func(reg *registry.Registry) error {
		var buildErr error
		built, buildErr = s.build(reg)
		if buildErr != nil {
			return fmt.Errorf("new content types rejected: %w", buildErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.current.Store(built)
	logger.Info("Query schema rebuilt", "previous_types", prevTypes, "content_types", reg.Len())
	return nil
}
