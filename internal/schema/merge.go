package schema

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/graphql-go/graphql"
)

// FieldSource contributes root query fields to a merged schema
type FieldSource interface {
	QueryFields() graphql.Fields
}

// Fields adapts a plain field map to a FieldSource
type Fields graphql.Fields

// QueryFields implements FieldSource
func (f Fields) QueryFields() graphql.Fields {
	return graphql.Fields(f)
}

// Merge builds a new schema whose root query type, called name, holds the
// root fields of every source. Sources are left untouched. A root field
// defined by two sources is an error.
func Merge(name string, sources ...FieldSource) (*Schema, error) {
	merged := graphql.Fields{}
	owner := map[string]int{}
	for i, src := range sources {
		if src == nil {
			continue
		}
		fields := src.QueryFields()
		for _, fieldName := range slices.Sorted(maps.Keys(fields)) {
			if prev, ok := owner[fieldName]; ok {
				return nil, &SchemaBuildError{
					Reason: fmt.Sprintf("root field %q defined by sources %d and %d", fieldName, prev, i),
				}
			}
			owner[fieldName] = i
			merged[fieldName] = fields[fieldName]
		}
	}
	if len(merged) == 0 {
		return nil, &SchemaBuildError{Reason: "no root fields to merge"}
	}
	return newSchema(name, merged)
}

// Execute runs a query against the schema with a fresh per-query link cache
func (s *Schema) Execute(ctx context.Context, query string, variables map[string]any, operationName string) *graphql.Result {
	return graphql.Do(graphql.Params{
		Schema:         s.schema,
		RequestString:  query,
		VariableValues: variables,
		OperationName:  operationName,
		Context:        withResolveState(ctx),
	})
}
