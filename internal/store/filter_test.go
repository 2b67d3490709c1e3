package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/content-mirror/internal/cms"
)

func testEntry(id string, revision int64, fields map[string]any) *cms.Entry {
	updated := time.Date(2024, 1, int(revision), 0, 0, 0, 0, time.UTC)
	e := &cms.Entry{
		Sys: cms.Sys{
			ID:            id,
			Type:          "Entry",
			ContentTypeID: "article",
			Revision:      revision,
			CreatedAt:     updated,
			UpdatedAt:     updated,
			PublishedAt:   &updated,
		},
		Fields: map[string]map[string]any{},
	}
	for k, v := range fields {
		e.Fields[k] = map[string]any{"en-US": v}
	}
	return e
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	entry := testEntry("a1", 3, map[string]any{
		"title":     "Hello world",
		"slug":      "hello-world",
		"views":     float64(42),
		"featured":  true,
		"tags":      []any{"go", "cms"},
		"publishAt": "2024-01-01T00:00:00Z",
		"author":    map[string]any{"sys": map[string]any{"type": "Link", "linkType": "Entry", "id": "p1"}},
	})
	entry.Fields["title"]["de-DE"] = "Hallo Welt"

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter", filter: nil, want: true},
		{name: "eq string", filter: Filter{Eq("fields.slug", "hello-world")}, want: true},
		{name: "eq mismatch", filter: Filter{Eq("fields.slug", "other")}, want: false},
		{name: "eq explicit locale", filter: Filter{Eq("fields.title.de-DE", "Hallo Welt")}, want: true},
		{name: "eq number from string", filter: Filter{Eq("fields.views", "42")}, want: true},
		{name: "eq int", filter: Filter{Eq("fields.views", 42)}, want: true},
		{name: "eq bool", filter: Filter{Eq("fields.featured", true)}, want: true},
		{name: "eq array element", filter: Filter{Eq("fields.tags", "cms")}, want: true},
		{name: "eq link id", filter: Filter{Eq("fields.author", "p1")}, want: true},
		{name: "eq sys id", filter: Filter{Eq("sys.id", "a1")}, want: true},
		{name: "eq sys content type", filter: Filter{Eq("sys.contentType", "article")}, want: true},
		{name: "ne missing field", filter: Filter{{Path: "fields.missing", Op: OpNe, Value: "x"}}, want: true},
		{name: "ne present", filter: Filter{{Path: "fields.slug", Op: OpNe, Value: "hello-world"}}, want: false},
		{name: "in", filter: Filter{{Path: "fields.slug", Op: OpIn, Value: []string{"a", "hello-world"}}}, want: true},
		{name: "in comma string", filter: Filter{{Path: "fields.slug", Op: OpIn, Value: "a, hello-world"}}, want: true},
		{name: "nin", filter: Filter{{Path: "fields.tags", Op: OpNin, Value: []any{"rust"}}}, want: true},
		{name: "nin hit", filter: Filter{{Path: "fields.tags", Op: OpNin, Value: []any{"go"}}}, want: false},
		{name: "exists", filter: Filter{{Path: "fields.slug", Op: OpExists, Value: true}}, want: true},
		{name: "not exists", filter: Filter{{Path: "fields.unpublishAt", Op: OpExists, Value: false}}, want: true},
		{name: "gt number", filter: Filter{{Path: "fields.views", Op: OpGt, Value: 41}}, want: true},
		{name: "lte number", filter: Filter{{Path: "fields.views", Op: OpLte, Value: "41"}}, want: false},
		{name: "lt date", filter: Filter{{Path: "fields.publishAt", Op: OpLt, Value: "2024-01-02"}}, want: true},
		{name: "gte sys updatedAt", filter: Filter{{Path: "sys.updatedAt", Op: OpGte, Value: "2024-01-03T00:00:00Z"}}, want: true},
		{name: "gt revision", filter: Filter{{Path: "sys.revision", Op: OpGt, Value: 3}}, want: false},
		{name: "match glob", filter: Filter{{Path: "fields.slug", Op: OpMatch, Value: "hello-*"}}, want: true},
		{name: "match array", filter: Filter{{Path: "fields.tags", Op: OpMatch, Value: "c?s"}}, want: true},
		{name: "match miss", filter: Filter{{Path: "fields.title", Op: OpMatch, Value: "bye*"}}, want: false},
		{name: "conjunction", filter: Filter{Eq("fields.slug", "hello-world"), Eq("fields.featured", false)}, want: false},
		{name: "incomparable", filter: Filter{{Path: "fields.featured", Op: OpGt, Value: 1}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.NoError(t, tt.filter.Validate())
			assert.Equal(t, tt.want, tt.filter.Matches(entry, "en-US"))
		})
	}
}

func TestFilterMatchesLocaleFallback(t *testing.T) {
	t.Parallel()

	entry := testEntry("a1", 1, map[string]any{"title": "Lamp", "slug": "lamp"})
	entry.Fields["title"]["de"] = "Lampe"

	tests := []struct {
		name    string
		filter  Filter
		locales []string
		want    bool
	}{
		{name: "requested locale wins", filter: Filter{Eq("fields.title", "Lampe")}, locales: []string{"de", "en-US"}, want: true},
		{name: "requested locale shadows default", filter: Filter{Eq("fields.title", "Lamp")}, locales: []string{"de", "en-US"}, want: false},
		{name: "missing locale falls back", filter: Filter{Eq("fields.slug", "lamp")}, locales: []string{"de", "en-US"}, want: true},
		{name: "no fallback given", filter: Filter{Eq("fields.slug", "lamp")}, locales: []string{"de"}, want: false},
		{name: "empty requested locale", filter: Filter{Eq("fields.title", "Lamp")}, locales: []string{"", "en-US"}, want: true},
		{name: "explicit locale has no fallback", filter: Filter{Eq("fields.slug.de", "lamp")}, locales: []string{"de", "en-US"}, want: false},
		{name: "exists through fallback", filter: Filter{{Path: "fields.slug", Op: OpExists, Value: true}}, locales: []string{"fr", "en-US"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.filter.Matches(entry, tt.locales...))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter Filter
	}{
		{name: "bad path", filter: Filter{Eq("title", "x")}},
		{name: "bad operator", filter: Filter{{Path: "fields.x", Op: "near", Value: 1}}},
		{name: "in without list", filter: Filter{{Path: "fields.x", Op: OpIn, Value: 1}}},
		{name: "exists without bool", filter: Filter{{Path: "fields.x", Op: OpExists, Value: "yes"}}},
		{name: "match bad pattern", filter: Filter{{Path: "fields.x", Op: OpMatch, Value: "[unclosed"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tt.filter.Validate())
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	entries := []*cms.Entry{
		testEntry("c", 3, map[string]any{"rank": float64(2)}),
		testEntry("a", 1, map[string]any{"rank": float64(3)}),
		testEntry("b", 2, map[string]any{}),
		testEntry("d", 4, map[string]any{"rank": float64(1)}),
	}

	ids := func(es []*cms.Entry) []string {
		out := make([]string, len(es))
		for i, e := range es {
			out[i] = e.Sys.ID
		}
		return out
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{name: "default order by id", query: Query{}, want: []string{"a", "b", "c", "d"}},
		{name: "field ascending missing last", query: Query{Order: "fields.rank"}, want: []string{"d", "c", "a", "b"}},
		{name: "descending updatedAt", query: Query{Order: "-sys.updatedAt"}, want: []string{"d", "c", "b", "a"}},
		{name: "filter and page", query: Query{Filter: Filter{{Path: "fields.rank", Op: OpExists, Value: true}}, Order: "fields.rank", Skip: 1, Limit: 1}, want: []string{"c"}},
		{name: "skip past end", query: Query{Skip: 10}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ids(Apply(entries, tt.query, "en-US")))
		})
	}

	// Input order is untouched.
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(entries))
}
