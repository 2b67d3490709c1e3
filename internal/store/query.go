package store

import (
	"slices"
	"strings"

	"github.com/stacklok/content-mirror/internal/cms"
)

type orderKey struct {
	path string
	desc bool
}

func parseOrder(order string) []orderKey {
	var keys []orderKey
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := orderKey{path: part}
		if p, ok := strings.CutPrefix(part, "-"); ok {
			key = orderKey{path: p, desc: true}
		}
		keys = append(keys, key)
	}
	return keys
}

// Sort orders entries in place by the query order. Missing values sort last;
// ties keep the id order so results are deterministic.
func Sort(entries []*cms.Entry, order string, locales ...string) {
	keys := parseOrder(order)
	slices.SortStableFunc(entries, func(a, b *cms.Entry) int {
		for _, k := range keys {
			av, aok := Resolve(a, k.path, locales...)
			bv, bok := Resolve(b, k.path, locales...)
			switch {
			case !aok && !bok:
				continue
			case !aok:
				return 1
			case !bok:
				return -1
			}
			cmp, ok := Compare(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if k.desc {
				return -cmp
			}
			return cmp
		}
		return strings.Compare(a.Sys.ID, b.Sys.ID)
	})
}

// Paginate applies skip and limit; a zero limit returns everything after skip
func Paginate(entries []*cms.Entry, skip, limit int) []*cms.Entry {
	if skip >= len(entries) {
		return []*cms.Entry{}
	}
	if skip > 0 {
		entries = entries[skip:]
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

// Apply filters, sorts and pages candidates for query. The input slice is not modified.
func Apply(candidates []*cms.Entry, query Query, defaultLocale string) []*cms.Entry {
	matched := make([]*cms.Entry, 0, len(candidates))
	for _, e := range candidates {
		if query.Filter.Matches(e, query.Locale, defaultLocale) {
			matched = append(matched, e)
		}
	}
	Sort(matched, query.Order, query.Locale, defaultLocale)
	return Paginate(matched, query.Skip, query.Limit)
}
