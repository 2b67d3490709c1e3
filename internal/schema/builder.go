// Package schema builds a GraphQL query schema from the content type
// registry. Link fields resolve lazily through a store at query time.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/graphql-go/graphql"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/registry"
	"github.com/stacklok/content-mirror/internal/store"
)

const (
	// DefaultMaxDepth bounds how many links a single query may follow in a chain
	DefaultMaxDepth = 10

	// DefaultLimit is the page size of all<Type> fields without a limit argument
	DefaultLimit = 100

	// MaxLimit caps the limit argument of all<Type> fields
	MaxLimit = 1000
)

// SchemaBuildError reports a registry that cannot be turned into a schema
type SchemaBuildError struct {
	ContentType string
	Field       string
	Reason      string
}

func (e *SchemaBuildError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema build failed: content type %q field %q: %s", e.ContentType, e.Field, e.Reason)
	}
	if e.ContentType != "" {
		return fmt.Sprintf("schema build failed: content type %q: %s", e.ContentType, e.Reason)
	}
	return "schema build failed: " + e.Reason
}

// Options tune a built schema
type Options struct {
	// MaxDepth bounds link resolution per query, DefaultMaxDepth when zero
	MaxDepth int

	// DefaultLocale is used to read fields when a query names no locale
	DefaultLocale string
}

// Schema is an executable query schema together with its root fields
type Schema struct {
	schema graphql.Schema
	fields graphql.Fields
}

// GraphQL returns the underlying graphql-go schema
func (s *Schema) GraphQL() graphql.Schema {
	return s.schema
}

// QueryFields returns the root query fields, so the schema can be merged
func (s *Schema) QueryFields() graphql.Fields {
	return s.fields
}

type builder struct {
	reg           *registry.Registry
	store         store.Store
	maxDepth      int
	defaultLocale string

	names   map[string]string // content type id -> object name
	objects map[string]*graphql.Object
	anyType *graphql.Union
	unions  map[string]*graphql.Union
}

// Build creates a schema with one object type per content type and two root
// fields per type: <type>(id, locale) and all<Type>(filter, limit, skip, order, locale).
func Build(reg *registry.Registry, s store.Store, opts Options) (*Schema, error) {
	if reg == nil {
		return nil, &SchemaBuildError{Reason: "registry is nil"}
	}
	if s == nil {
		return nil, &SchemaBuildError{Reason: "store is nil"}
	}

	b := &builder{
		reg:           reg,
		store:         s,
		maxDepth:      opts.MaxDepth,
		defaultLocale: opts.DefaultLocale,
		names:         map[string]string{},
		objects:       map[string]*graphql.Object{},
		unions:        map[string]*graphql.Union{},
	}
	if b.maxDepth <= 0 {
		b.maxDepth = DefaultMaxDepth
	}
	if b.defaultLocale == "" {
		b.defaultLocale = "en-US"
	}

	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := b.declareObjects(); err != nil {
		return nil, err
	}

	fields := b.rootFields()
	return newSchema("Query", fields)
}

// validate checks link targets and assigns object names. Type, field and
// root query field names must all be unique once derived.
func (b *builder) validate() error {
	taken := map[string]string{}
	roots := map[string]string{"_contentTypes": ""}
	for _, ct := range b.reg.List() {
		name := typeName(ct.ID)
		if reservedTypeNames[name] {
			name += "Content"
		}
		if other, ok := taken[name]; ok {
			return &SchemaBuildError{ContentType: ct.ID, Reason: fmt.Sprintf("type name %s collides with content type %q", name, other)}
		}
		taken[name] = ct.ID
		b.names[ct.ID] = name

		for _, root := range []string{lowerFirst(name), "all" + name} {
			if other, ok := roots[root]; ok {
				return &SchemaBuildError{ContentType: ct.ID, Reason: fmt.Sprintf("root field %s collides with content type %q", root, other)}
			}
			roots[root] = ct.ID
		}

		seen := map[string]string{"sys": "sys"}
		for _, f := range ct.Fields {
			if f.Omitted {
				continue
			}
			fname := fieldName(f.ID)
			if other, ok := seen[fname]; ok {
				return &SchemaBuildError{ContentType: ct.ID, Field: f.ID, Reason: fmt.Sprintf("field name %s collides with %q", fname, other)}
			}
			seen[fname] = f.ID

			for _, target := range linkTargets(&f) {
				if _, ok := b.reg.Get(target); !ok {
					return &SchemaBuildError{ContentType: ct.ID, Field: f.ID, Reason: fmt.Sprintf("links to unknown content type %q", target)}
				}
			}
		}
	}
	return nil
}

func linkTargets(f *cms.FieldDefinition) []string {
	if f.Type == cms.FieldArray && f.Items != nil {
		return f.Items.LinkContentTypes
	}
	return f.LinkContentTypes
}

// declareObjects creates the object types. Fields are thunks because
// content types may link to each other in cycles.
func (b *builder) declareObjects() error {
	types := b.reg.List()
	all := make([]*graphql.Object, 0, len(types))
	for _, ct := range types {
		obj := graphql.NewObject(graphql.ObjectConfig{
			Name:        b.names[ct.ID],
			Description: ct.Name,
			Fields:      graphql.FieldsThunk(func() graphql.Fields { return b.objectFields(ct) }),
		})
		if err := obj.Error(); err != nil {
			return &SchemaBuildError{ContentType: ct.ID, Reason: err.Error()}
		}
		b.objects[ct.ID] = obj
		all = append(all, obj)
	}

	if len(all) > 0 {
		b.anyType = b.newUnion("Entry", all)
	}
	return nil
}

func (b *builder) newUnion(name string, members []*graphql.Object) *graphql.Union {
	allowed := make(map[*graphql.Object]bool, len(members))
	for _, m := range members {
		allowed[m] = true
	}
	return graphql.NewUnion(graphql.UnionConfig{
		Name:  name,
		Types: members,
		ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
			n, ok := p.Value.(*node)
			if !ok {
				return nil
			}
			if obj := b.objects[n.entry.Sys.ContentTypeID]; allowed[obj] {
				return obj
			}
			return nil
		},
	})
}

// targetType returns the output type of an entry link with the given targets
func (b *builder) targetType(owner *cms.ContentType, field string, targets []string) graphql.Output {
	if len(targets) == 0 {
		return b.anyType
	}
	if len(targets) == 1 {
		return b.objects[targets[0]]
	}

	name := b.names[owner.ID] + typeName(field) + "Target"
	if u, ok := b.unions[name]; ok {
		return u
	}
	members := make([]*graphql.Object, 0, len(targets))
	for _, t := range targets {
		members = append(members, b.objects[t])
	}
	u := b.newUnion(name, members)
	b.unions[name] = u
	return u
}

func (b *builder) objectFields(ct *cms.ContentType) graphql.Fields {
	fields := graphql.Fields{
		"sys": &graphql.Field{
			Type: graphql.NewNonNull(Sys),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return p.Source.(*node).entry.Sys, nil
			},
		},
	}

	for i := range ct.Fields {
		f := &ct.Fields[i]
		if f.Omitted {
			continue
		}
		if field := b.field(ct, f); field != nil {
			fields[fieldName(f.ID)] = field
		}
	}
	return fields
}

func (b *builder) field(ct *cms.ContentType, f *cms.FieldDefinition) *graphql.Field {
	id := f.ID
	desc := f.Name

	switch f.Type {
	case cms.FieldLink:
		if f.LinkType == cms.LinkAsset {
			return &graphql.Field{Type: Link, Description: desc, Resolve: b.resolveAssetLink(id)}
		}
		return &graphql.Field{
			Type:        b.targetType(ct, id, f.LinkContentTypes),
			Description: desc,
			Resolve:     b.resolveEntryLink(id, f.LinkContentTypes),
		}

	case cms.FieldArray:
		if f.Items == nil {
			return nil
		}
		if f.Items.Type == cms.FieldLink {
			if f.Items.LinkType == cms.LinkAsset {
				return &graphql.Field{Type: graphql.NewList(Link), Description: desc, Resolve: b.resolveAssetLinks(id)}
			}
			return &graphql.Field{
				Type:        graphql.NewList(b.targetType(ct, id, f.Items.LinkContentTypes)),
				Description: desc,
				Resolve:     b.resolveEntryLinks(id, f.Items.LinkContentTypes),
			}
		}
		itemType, ok := scalarFor(f.Items.Type)
		if !ok {
			itemType = JSON
		}
		return &graphql.Field{Type: graphql.NewList(itemType), Description: desc, Resolve: b.resolveValue(id)}
	}

	typ, ok := scalarFor(f.Type)
	if !ok {
		typ = JSON
	}
	return &graphql.Field{Type: typ, Description: desc, Resolve: b.resolveValue(id)}
}

func (b *builder) rootFields() graphql.Fields {
	fields := graphql.Fields{
		"_contentTypes": &graphql.Field{
			Type:        graphql.NewList(graphql.String),
			Description: "Ids of the content types in this schema",
			Resolve: func(graphql.ResolveParams) (any, error) {
				ids := make([]string, 0, b.reg.Len())
				for _, ct := range b.reg.List() {
					ids = append(ids, ct.ID)
				}
				return ids, nil
			},
		},
	}

	for _, ct := range b.reg.List() {
		name := b.names[ct.ID]
		obj := b.objects[ct.ID]

		fields[lowerFirst(name)] = &graphql.Field{
			Type:        obj,
			Description: fmt.Sprintf("Fetch one %s entry by id", ct.Name),
			Args: graphql.FieldConfigArgument{
				"id":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				"locale": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: b.resolveOne(ct.ID),
		}

		args := graphql.FieldConfigArgument{
			"limit":  &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: DefaultLimit},
			"skip":   &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 0},
			"order":  &graphql.ArgumentConfig{Type: graphql.String},
			"locale": &graphql.ArgumentConfig{Type: graphql.String},
		}
		filterable := filterFields(ct)
		if len(filterable) > 0 {
			args["filter"] = &graphql.ArgumentConfig{Type: graphql.NewInputObject(graphql.InputObjectConfig{
				Name:   name + "Filter",
				Fields: filterable,
			})}
		}

		fields["all"+name] = &graphql.Field{
			Type:        graphql.NewList(obj),
			Description: fmt.Sprintf("List %s entries", ct.Name),
			Args:        args,
			Resolve:     b.resolveAll(ct),
		}
	}
	return fields
}

// filterFields returns equality filter inputs for the scalar fields of ct
func filterFields(ct *cms.ContentType) graphql.InputObjectConfigFieldMap {
	out := graphql.InputObjectConfigFieldMap{}
	for _, f := range ct.Fields {
		if f.Omitted {
			continue
		}
		if typ, ok := filterInputFor(f.Type); ok {
			out[fieldName(f.ID)] = &graphql.InputObjectFieldConfig{Type: typ}
		}
	}
	return out
}

// toFilter turns a filter argument into store conditions on the matching fields
func toFilter(ct *cms.ContentType, arg any) store.Filter {
	values, ok := arg.(map[string]any)
	if !ok {
		return nil
	}
	byName := make(map[string]string, len(ct.Fields))
	for _, f := range ct.Fields {
		byName[fieldName(f.ID)] = f.ID
	}

	var filter store.Filter
	for name, v := range values {
		if id, ok := byName[name]; ok && v != nil {
			filter = append(filter, store.Eq("fields."+id, v))
		}
	}
	return filter
}

func newSchema(name string, fields graphql.Fields) (*Schema, error) {
	query := graphql.NewObject(graphql.ObjectConfig{Name: name, Fields: fields})
	s, err := graphql.NewSchema(graphql.SchemaConfig{Query: query})
	if err != nil {
		return nil, &SchemaBuildError{Reason: err.Error()}
	}
	return &Schema{schema: s, fields: fields}, nil
}

// typeName converts a content type id such as "blog-post" to "BlogPost"
func typeName(id string) string {
	var b strings.Builder
	upper := true
	for _, r := range id {
		if !isNameRune(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if name == "" || unicode.IsDigit(rune(name[0])) {
		name = "T" + name
	}
	return name
}

// fieldName keeps valid ids as they are and camel-cases the rest
func fieldName(id string) string {
	valid := id != "" && !unicode.IsDigit(rune(id[0])) && !strings.HasPrefix(id, "__")
	for _, r := range id {
		if !isNameRune(r) {
			valid = false
			break
		}
	}
	if valid {
		return id
	}
	return lowerFirst(typeName(id))
}

func isNameRune(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

var errDepthExceeded = errors.New("link depth limit exceeded")
