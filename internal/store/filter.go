package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/stacklok/content-mirror/internal/cms"
)

// Op is a filter operator
type Op string

// Supported operators
const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpIn     Op = "in"
	OpNin    Op = "nin"
	OpExists Op = "exists"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpMatch  Op = "match"
)

// Condition tests one entry path against a value.
//
// Path is either "sys.<attr>" (id, contentType, revision, createdAt,
// updatedAt, publishedAt) or "fields.<id>[.<locale>]". Without a locale the
// query locale applies.
type Condition struct {
	Path  string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions
type Filter []Condition

// Eq returns an equality condition
func Eq(path string, value any) Condition {
	return Condition{Path: path, Op: OpEq, Value: value}
}

// Validate checks operators and value shapes
func (f Filter) Validate() error {
	for _, c := range f {
		if !strings.HasPrefix(c.Path, "sys.") && !strings.HasPrefix(c.Path, "fields.") {
			return fmt.Errorf("invalid filter path %q", c.Path)
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		case OpIn, OpNin:
			if _, ok := asList(c.Value); !ok {
				return fmt.Errorf("operator %s on %q needs a list value", c.Op, c.Path)
			}
		case OpExists:
			if _, ok := c.Value.(bool); !ok {
				return fmt.Errorf("operator exists on %q needs a boolean value", c.Path)
			}
		case OpMatch:
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("operator match on %q needs a string pattern", c.Path)
			}
			if _, err := compilePattern(pattern); err != nil {
				return fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
		default:
			return fmt.Errorf("unsupported operator %q", c.Op)
		}
	}
	return nil
}

// Matches reports whether entry satisfies every condition. locales are tried
// in order for field paths that do not name one.
func (f Filter) Matches(entry *cms.Entry, locales ...string) bool {
	for _, c := range f {
		if !c.matches(entry, locales) {
			return false
		}
	}
	return true
}

func (c Condition) matches(entry *cms.Entry, locales []string) bool {
	value, present := Resolve(entry, c.Path, locales...)

	switch c.Op {
	case OpExists:
		want, _ := c.Value.(bool)
		return present == want
	case OpEq:
		return present && equalAny(value, c.Value)
	case OpNe:
		return !present || !equalAny(value, c.Value)
	case OpIn:
		list, _ := asList(c.Value)
		if !present {
			return false
		}
		for _, candidate := range list {
			if equalAny(value, candidate) {
				return true
			}
		}
		return false
	case OpNin:
		list, _ := asList(c.Value)
		if !present {
			return true
		}
		for _, candidate := range list {
			if equalAny(value, candidate) {
				return false
			}
		}
		return true
	case OpLt, OpLte, OpGt, OpGte:
		if !present {
			return false
		}
		cmp, ok := Compare(value, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpMatch:
		pattern, _ := c.Value.(string)
		g, err := compilePattern(pattern)
		if err != nil || !present {
			return false
		}
		for _, v := range elements(value) {
			if s, ok := v.(string); ok && g.Match(s) {
				return true
			}
		}
		return false
	}
	return false
}

// Resolve returns the value at path for entry. A field path without a locale
// takes the value of the first of locales the field has, so a requested
// locale falls back to the default one the same way delivered entries do.
func Resolve(entry *cms.Entry, path string, locales ...string) (any, bool) {
	if attr, ok := strings.CutPrefix(path, "sys."); ok {
		return resolveSys(entry, attr)
	}
	rest, ok := strings.CutPrefix(path, "fields.")
	if !ok {
		return nil, false
	}
	fieldID, fieldLocale, hasLocale := strings.Cut(rest, ".")
	if hasLocale {
		locales = []string{fieldLocale}
	}
	for _, locale := range locales {
		if locale == "" {
			continue
		}
		if v, ok := entry.Field(fieldID, locale); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func resolveSys(entry *cms.Entry, attr string) (any, bool) {
	switch attr {
	case "id":
		return entry.Sys.ID, true
	case "contentType", "contentType.sys.id":
		return entry.Sys.ContentTypeID, true
	case "revision":
		return float64(entry.Sys.Revision), true
	case "createdAt":
		return entry.Sys.CreatedAt, !entry.Sys.CreatedAt.IsZero()
	case "updatedAt":
		return entry.Sys.UpdatedAt, !entry.Sys.UpdatedAt.IsZero()
	case "publishedAt":
		if entry.Sys.PublishedAt == nil {
			return nil, false
		}
		return *entry.Sys.PublishedAt, true
	default:
		return nil, false
	}
}

// equalAny compares an entry value with a filter value. Array values match
// when any element does, and links compare by target id.
func equalAny(value, want any) bool {
	for _, v := range elements(value) {
		if equalScalar(v, want) {
			return true
		}
	}
	return false
}

func equalScalar(v, want any) bool {
	if link, ok := cms.AsLink(v); ok {
		v = link.ID
	}
	a, b := normalize(v), normalize(want)
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case float64:
			f, err := strconv.ParseFloat(av, 64)
			return err == nil && f == bv
		case bool:
			return av == strconv.FormatBool(bv)
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case string:
			f, err := strconv.ParseFloat(bv, 64)
			return err == nil && f == av
		}
	case bool:
		switch bv := b.(type) {
		case bool:
			return av == bv
		case string:
			return strconv.FormatBool(av) == bv
		}
	case time.Time:
		if bt, ok := asTime(b); ok {
			return av.Equal(bt)
		}
	}
	return false
}

// Compare orders two values: numbers numerically, times chronologically and
// other strings lexically. ok is false when the values are not comparable.
func Compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)

	if af, ok := a.(float64); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(af, bf), true
	}
	if bf, ok := b.(float64); ok {
		af, ok := toFloat(a)
		if !ok {
			return 0, false
		}
		return cmpFloat(af, bf), true
	}

	at, aIsTime := asTime(a)
	bt, bIsTime := asTime(b)
	if aIsTime && bIsTime {
		return at.Compare(bt), true
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04", "2006-01-02"}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		return ParseTime(x)
	}
	return time.Time{}, false
}

// ParseTime parses the date formats the CMS emits for Date fields
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func elements(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case string:
		parts := strings.Split(x, ",")
		out := make([]any, len(parts))
		for i, s := range parts {
			out[i] = strings.TrimSpace(s)
		}
		return out, true
	}
	return nil, false
}

var patterns sync.Map

func compilePattern(pattern string) (glob.Glob, error) {
	if g, ok := patterns.Load(pattern); ok {
		return g.(glob.Glob), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, g)
	return g, nil
}
