package v1

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store"
)

// reservedParams are query parameters that are not filter conditions
var reservedParams = []string{"limit", "skip", "order", "locale", "preview"}

// parseFilter turns query parameters of the form path[op]=value into a
// filter. Values are converted to the type of the field they test so that
// numeric and boolean fields compare by value.
func parseFilter(values url.Values, ct *cms.ContentType) (store.Filter, error) {
	var filter store.Filter
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if slices.Contains(reservedParams, key) {
			continue
		}
		path, op, err := splitOperator(key)
		if err != nil {
			return nil, err
		}
		kind, err := valueKind(path, ct)
		if err != nil {
			return nil, err
		}
		for _, raw := range values[key] {
			value, err := convertValue(op, raw, kind)
			if err != nil {
				return nil, fmt.Errorf("filter %s: %w", key, err)
			}
			filter = append(filter, store.Condition{Path: path, Op: op, Value: value})
		}
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return filter, nil
}

func splitOperator(key string) (string, store.Op, error) {
	path, rest, found := strings.Cut(key, "[")
	if !found {
		return key, store.OpEq, nil
	}
	op, ok := strings.CutSuffix(rest, "]")
	if !ok || op == "" {
		return "", "", fmt.Errorf("malformed filter parameter %q", key)
	}
	return path, store.Op(op), nil
}

// valueKind returns the scalar type values for path are parsed as
func valueKind(path string, ct *cms.ContentType) (cms.FieldType, error) {
	if attr, ok := strings.CutPrefix(path, "sys."); ok {
		if attr == "revision" {
			return cms.FieldInteger, nil
		}
		return cms.FieldSymbol, nil
	}
	rest, ok := strings.CutPrefix(path, "fields.")
	if !ok {
		return "", fmt.Errorf("invalid filter path %q", path)
	}
	fieldID, _, _ := strings.Cut(rest, ".")
	def, ok := ct.Field(fieldID)
	if !ok || def.Omitted {
		return "", fmt.Errorf("content type %s has no field %q", ct.ID, fieldID)
	}
	if def.Type == cms.FieldArray && def.Items != nil {
		return def.Items.Type, nil
	}
	return def.Type, nil
}

func convertValue(op store.Op, raw string, kind cms.FieldType) (any, error) {
	switch op {
	case store.OpExists:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("exists needs true or false")
		}
		return b, nil
	case store.OpMatch:
		return raw, nil
	case store.OpIn, store.OpNin:
		parts := strings.Split(raw, ",")
		list := make([]any, len(parts))
		for i, part := range parts {
			v, err := convertScalar(strings.TrimSpace(part), kind)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	}
	return convertScalar(raw, kind)
}

func convertScalar(raw string, kind cms.FieldType) (any, error) {
	switch kind {
	case cms.FieldInteger, cms.FieldNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case cms.FieldBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	}
	return raw, nil
}
