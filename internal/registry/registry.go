package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/stacklok/content-mirror/internal/cms"
)

// InvalidSchemaError reports a content type listing that cannot form a registry
type InvalidSchemaError struct {
	ContentType string
	Field       string
	Reason      string
}

func (e *InvalidSchemaError) Error() string {
	var b strings.Builder
	b.WriteString("invalid schema")
	if e.ContentType != "" {
		fmt.Fprintf(&b, ": content type %q", e.ContentType)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Registry is an immutable index of content types by id
type Registry struct {
	types map[string]*cms.ContentType
	ids   []string
}

// Build validates the content types and indexes them by id
func Build(contentTypes []cms.ContentType) (*Registry, error) {
	reg := &Registry{
		types: make(map[string]*cms.ContentType, len(contentTypes)),
		ids:   make([]string, 0, len(contentTypes)),
	}

	for i := range contentTypes {
		ct := contentTypes[i]
		if ct.ID == "" {
			return nil, &InvalidSchemaError{Reason: fmt.Sprintf("content type at position %d has no id", i)}
		}
		if _, exists := reg.types[ct.ID]; exists {
			return nil, &InvalidSchemaError{ContentType: ct.ID, Reason: "duplicate content type id"}
		}
		if err := validateFields(&ct); err != nil {
			return nil, err
		}

		// Copy the field slice so later mutation of the input cannot leak in.
		ct.Fields = slices.Clone(ct.Fields)
		reg.types[ct.ID] = &ct
		reg.ids = append(reg.ids, ct.ID)
	}

	slices.Sort(reg.ids)
	return reg, nil
}

func validateFields(ct *cms.ContentType) error {
	seen := make(map[string]struct{}, len(ct.Fields))
	for _, f := range ct.Fields {
		fail := func(reason string) error {
			return &InvalidSchemaError{ContentType: ct.ID, Field: f.ID, Reason: reason}
		}

		if f.ID == "" {
			return fail("field has no id")
		}
		if _, dup := seen[f.ID]; dup {
			return fail("duplicate field id")
		}
		seen[f.ID] = struct{}{}

		switch f.Type {
		case cms.FieldLink:
			if err := validateLink(f.LinkType, f.LinkContentTypes); err != "" {
				return fail(err)
			}
		case cms.FieldArray:
			if f.Items == nil {
				return fail("array field has no items definition")
			}
			if f.Items.Type == cms.FieldLink {
				if err := validateLink(f.Items.LinkType, f.Items.LinkContentTypes); err != "" {
					return fail("array items: " + err)
				}
			}
		default:
			if len(f.LinkContentTypes) > 0 {
				return fail("link content type validation on a non-link field")
			}
		}
	}
	return nil
}

func validateLink(linkType cms.LinkType, targets []string) string {
	switch linkType {
	case cms.LinkEntry:
		return ""
	case cms.LinkAsset:
		if len(targets) > 0 {
			return "asset link restricted to content types"
		}
		return ""
	case "":
		return "link field has no link type"
	default:
		return fmt.Sprintf("unknown link type %q", linkType)
	}
}

// Get returns the content type with the given id
func (r *Registry) Get(id string) (*cms.ContentType, bool) {
	if r == nil {
		return nil, false
	}
	ct, ok := r.types[id]
	return ct, ok
}

// List returns all content types sorted by id
func (r *Registry) List() []*cms.ContentType {
	if r == nil {
		return nil
	}
	out := make([]*cms.ContentType, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.types[id])
	}
	return out
}

// Len returns the number of content types
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ids)
}
