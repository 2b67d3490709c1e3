package registry

import (
	"fmt"

	"github.com/stacklok/content-mirror/internal/cms"
)

// Model is a typed view over an entry
type Model interface {
	Entry() *cms.Entry
	ContentType() *cms.ContentType

	// DisplayValue is the entry's display field in locale, falling back to
	// the default locale and then to the entry id
	DisplayValue(locale string) string
}

// ModelFactory builds a model from an entry
type ModelFactory func(*cms.Entry) (Model, error)

// GenericModel represents entries of any content type
type GenericModel struct {
	entry         *cms.Entry
	contentType   *cms.ContentType
	defaultLocale string
}

// NewGenericModel wraps entry; contentType may be nil for unknown types
func NewGenericModel(entry *cms.Entry, contentType *cms.ContentType, defaultLocale string) *GenericModel {
	return &GenericModel{entry: entry, contentType: contentType, defaultLocale: defaultLocale}
}

// Entry returns the wrapped entry
func (m *GenericModel) Entry() *cms.Entry {
	return m.entry
}

// ContentType returns the entry's content type, nil when unknown
func (m *GenericModel) ContentType() *cms.ContentType {
	return m.contentType
}

// DisplayValue implements Model
func (m *GenericModel) DisplayValue(locale string) string {
	if m.contentType == nil || m.contentType.DisplayField == "" {
		return m.entry.ID()
	}
	// a locale-projected entry keeps its values under Sys.Locale
	for _, l := range []string{locale, m.entry.Sys.Locale, m.defaultLocale} {
		if l == "" {
			continue
		}
		if v, ok := m.entry.Field(m.contentType.DisplayField, l); ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return m.entry.ID()
}

// Models maps content type ids to model factories. It is built together
// with a Registry and is immutable like it.
type Models struct {
	factories     map[string]ModelFactory
	defaultLocale string
}

// NewModels creates a table with a generic factory for every content type in reg
func NewModels(reg *Registry, defaultLocale string) *Models {
	m := &Models{factories: make(map[string]ModelFactory, reg.Len()), defaultLocale: defaultLocale}
	for _, ct := range reg.List() {
		m.factories[ct.ID] = genericFactory(ct, defaultLocale)
	}
	return m
}

func genericFactory(ct *cms.ContentType, defaultLocale string) ModelFactory {
	return func(entry *cms.Entry) (Model, error) {
		if entry.ContentTypeID() != ct.ID {
			return nil, fmt.Errorf("entry %s has content type %q, expected %q", entry.ID(), entry.ContentTypeID(), ct.ID)
		}
		return NewGenericModel(entry, ct, defaultLocale), nil
	}
}

// New builds the model for entry, falling back to GenericModel for unknown types
func (m *Models) New(entry *cms.Entry) (Model, error) {
	factory, ok := m.factories[entry.ContentTypeID()]
	if !ok {
		return NewGenericModel(entry, nil, m.defaultLocale), nil
	}
	return factory(entry)
}
