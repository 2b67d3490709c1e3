package schema

import (
	"strconv"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store"
)

// Shared types are package singletons so that schemas built separately can
// be merged without duplicate type names.

// JSON passes structured field values (objects, locations, rich text) through unchanged
var JSON = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "Arbitrary JSON value",
	Serialize:    func(value any) any { return value },
	ParseValue:   func(value any) any { return value },
	ParseLiteral: parseJSONLiteral,
})

// DateTime serializes dates as RFC 3339 strings
var DateTime = graphql.NewScalar(graphql.ScalarConfig{
	Name:        "DateTime",
	Description: "RFC 3339 date and time",
	Serialize:   serializeDateTime,
	ParseValue: func(value any) any {
		if s, ok := value.(string); ok {
			if t, ok := store.ParseTime(s); ok {
				return t
			}
		}
		return nil
	},
	ParseLiteral: func(valueAST ast.Value) any {
		if v, ok := valueAST.(*ast.StringValue); ok {
			if t, ok := store.ParseTime(v.Value); ok {
				return t
			}
		}
		return nil
	},
})

func serializeDateTime(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(time.RFC3339Nano)
	case string:
		if t, ok := store.ParseTime(v); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return nil
}

func parseJSONLiteral(valueAST ast.Value) any {
	switch v := valueAST.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.IntValue:
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.ListValue:
		out := make([]any, len(v.Values))
		for i, item := range v.Values {
			out[i] = parseJSONLiteral(item)
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]any, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = parseJSONLiteral(f.Value)
		}
		return out
	}
	return nil
}

func sysField(resolve func(cms.Sys) any, typ graphql.Output) *graphql.Field {
	return &graphql.Field{
		Type: typ,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			sys, ok := p.Source.(cms.Sys)
			if !ok {
				return nil, nil
			}
			return resolve(sys), nil
		},
	}
}

// Sys exposes entry metadata
var Sys = graphql.NewObject(graphql.ObjectConfig{
	Name: "Sys",
	Fields: graphql.Fields{
		"id":            sysField(func(s cms.Sys) any { return s.ID }, graphql.NewNonNull(graphql.String)),
		"contentTypeId": sysField(func(s cms.Sys) any { return s.ContentTypeID }, graphql.String),
		"revision":      sysField(func(s cms.Sys) any { return s.Revision }, graphql.Int),
		"createdAt":     sysField(func(s cms.Sys) any { return s.CreatedAt }, DateTime),
		"updatedAt":     sysField(func(s cms.Sys) any { return s.UpdatedAt }, DateTime),
		"publishedAt":   sysField(func(s cms.Sys) any { return s.PublishedAt }, DateTime),
		"locale":        sysField(func(s cms.Sys) any { return s.Locale }, graphql.String),
	},
})

// Link is an unresolved reference, used for asset links
var Link = graphql.NewObject(graphql.ObjectConfig{
	Name: "Link",
	Fields: graphql.Fields{
		"id": &graphql.Field{
			Type: graphql.NewNonNull(graphql.String),
			Resolve: func(p graphql.ResolveParams) (any, error) {
				if l, ok := p.Source.(cms.Link); ok {
					return l.ID, nil
				}
				return nil, nil
			},
		},
		"linkType": &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				if l, ok := p.Source.(cms.Link); ok {
					return string(l.LinkType), nil
				}
				return nil, nil
			},
		},
	},
})

func init() {
	// graphql-go defines field maps lazily; do it once before schemas are built concurrently
	_ = Sys.Fields()
	_ = Link.Fields()
}

// reservedTypeNames cannot be used for content type objects
var reservedTypeNames = map[string]bool{
	"JSON": true, "DateTime": true, "Sys": true, "Link": true, "Entry": true, "Query": true,
	"String": true, "Int": true, "Float": true, "Boolean": true, "ID": true,
}

// scalarFor maps field types that have a direct scalar representation
func scalarFor(t cms.FieldType) (graphql.Output, bool) {
	switch t {
	case cms.FieldSymbol, cms.FieldText:
		return graphql.String, true
	case cms.FieldInteger:
		return graphql.Int, true
	case cms.FieldNumber:
		return graphql.Float, true
	case cms.FieldBoolean:
		return graphql.Boolean, true
	case cms.FieldDate:
		return DateTime, true
	case cms.FieldLocation, cms.FieldObject, cms.FieldRichText:
		return JSON, true
	}
	return nil, false
}

// filterInputFor maps field types usable in equality filters
func filterInputFor(t cms.FieldType) (graphql.Input, bool) {
	switch t {
	case cms.FieldSymbol, cms.FieldText, cms.FieldDate:
		return graphql.String, true
	case cms.FieldInteger:
		return graphql.Int, true
	case cms.FieldNumber:
		return graphql.Float, true
	case cms.FieldBoolean:
		return graphql.Boolean, true
	}
	return nil, false
}
