package registry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
)

// Holder publishes the current registry and its model table to concurrent
// readers. Both are swapped together.
type Holder struct {
	current       atomic.Pointer[generation]
	defaultLocale string
}

type generation struct {
	registry *Registry
	models   *Models
}

// HolderOption configures a Holder
type HolderOption func(*Holder)

// WithDefaultLocale sets the locale models fall back to for display values
func WithDefaultLocale(locale string) HolderOption {
	return func(h *Holder) {
		h.defaultLocale = locale
	}
}

// NewHolder creates a holder serving reg
func NewHolder(reg *Registry, opts ...HolderOption) *Holder {
	h := &Holder{}
	for _, opt := range opts {
		opt(h)
	}
	h.Swap(reg)
	return h
}

// Load returns the registry currently in use
func (h *Holder) Load() *Registry {
	return h.current.Load().registry
}

// Models returns the model table built from the current registry
func (h *Holder) Models() *Models {
	return h.current.Load().models
}

// Swap installs reg and returns the previous registry
func (h *Holder) Swap(reg *Registry) *Registry {
	prev := h.current.Swap(&generation{registry: reg, models: NewModels(reg, h.defaultLocale)})
	if prev == nil {
		return nil
	}
	return prev.registry
}

// Load fetches every content type and builds a registry from them
func Load(ctx context.Context, client cms.Client, pageSize int) (*Registry, error) {
	contentTypes, err := client.ListContentTypes(ctx, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list content types: %w", err)
	}
	return Build(contentTypes)
}

// Rebuild reloads content types from the CMS and swaps the result in. When
// accept is set it runs before the swap and can reject the new registry,
// e.g. because something derived from it fails to build. On any failure the
// current registry stays in place.
func (h *Holder) Rebuild(ctx context.Context, client cms.Client, pageSize int, accept func(*Registry) error) (*Registry, error) {
	reg, err := Load(ctx, client, pageSize)
	if err != nil {
		return nil, err
	}
	if accept != nil {
		if err := accept(reg); err != nil {
			return nil, err
		}
	}
	prev := h.Swap(reg)
	logger.Info("Content type registry rebuilt", "previous", prev.Len(), "current", reg.Len())
	return reg, nil
}
