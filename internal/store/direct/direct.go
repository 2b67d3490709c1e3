// Package direct provides a store that reads live from the CMS delivery API.
//
// Filter conditions are translated into delivery API parameters where the
// API has an equivalent operator; results are always re-checked locally so
// the store answers with the same semantics as the synced backends.
package direct

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/middleware"
	"github.com/stacklok/content-mirror/internal/store"
)

// unpagedLimit is the page requested when pagination has to run locally
const unpagedLimit = 1000

// sysParams maps filterable sys paths to delivery API parameters
var sysParams = map[string]string{
	"sys.id":          "sys.id",
	"sys.revision":    "sys.revision",
	"sys.createdAt":   "sys.createdAt",
	"sys.updatedAt":   "sys.updatedAt",
	"sys.publishedAt": "sys.publishedAt",
}

// Store forwards reads to the CMS. Preview requests use the preview client
// when one is configured.
type Store struct {
	client        cms.Client
	preview       cms.Client
	defaultLocale string
}

var _ store.Store = (*Store)(nil)

// Option is a functional option for configuring the Store
type Option func(*Store)

// WithPreviewClient sets the client used for preview requests
func WithPreviewClient(client cms.Client) Option {
	return func(s *Store) {
		s.preview = client
	}
}

// WithDefaultLocale sets the locale used for field paths without one
func WithDefaultLocale(locale string) Option {
	return func(s *Store) {
		s.defaultLocale = locale
	}
}

// New creates a direct store reading through client
func New(client cms.Client, opts ...Option) *Store {
	s := &Store{client: client, defaultLocale: "en-US"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) clientFor(ctx context.Context) cms.Client {
	if s.preview != nil && middleware.ParamsFromContext(ctx).Preview {
		return s.preview
	}
	return s.client
}

// Find implements store.Store
func (s *Store) Find(ctx context.Context, id string) (*cms.Entry, error) {
	entry, err := s.clientFor(ctx).GetEntry(ctx, id)
	if errors.Is(err, cms.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindBy implements store.Store
func (s *Store) FindBy(ctx context.Context, contentType string, filter store.Filter) (*cms.Entry, error) {
	entries, err := s.FindAll(ctx, contentType, store.Query{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	return entries[0], nil
}

// FindAll implements store.Store
func (s *Store) FindAll(ctx context.Context, contentType string, query store.Query) ([]*cms.Entry, error) {
	if err := query.Filter.Validate(); err != nil {
		return nil, err
	}
	locale := query.Locale
	if locale == "" {
		locale = s.defaultLocale
	}

	params, exact := translate(query.Filter, locale)
	order, orderOK := translateOrder(query.Order)

	req := cms.EntriesQuery{ContentType: contentType, Params: params}
	if query.Locale != "" {
		req.Locale = query.Locale
	}
	remotePaging := exact && orderOK
	if remotePaging {
		req.Limit, req.Skip, req.Order = query.Limit, query.Skip, order
	} else {
		req.Limit = unpagedLimit
	}

	entries, err := s.clientFor(ctx).GetEntries(ctx, req)
	if errors.Is(err, cms.ErrNotFound) {
		return []*cms.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	local := query
	local.Locale = locale
	if remotePaging {
		local.Skip, local.Limit = 0, 0
	}
	return store.Apply(entries, local, s.defaultLocale), nil
}

// translate converts a filter into delivery API parameters. exact is false
// when some condition has no remote equivalent and the result is a superset.
func translate(filter store.Filter, locale string) (map[string]string, bool) {
	params := map[string]string{}
	exact := true
	for _, c := range filter {
		key, ok := remotePath(c.Path, locale)
		if !ok {
			exact = false
			continue
		}
		switch c.Op {
		case store.OpEq:
			params[key] = formatValue(c.Value)
		case store.OpNe, store.OpIn, store.OpNin, store.OpExists, store.OpLt, store.OpLte, store.OpGt, store.OpGte:
			params[fmt.Sprintf("%s[%s]", key, c.Op)] = formatValue(c.Value)
		default:
			// match is a glob locally; the delivery API match is full text search
			exact = false
		}
	}
	return params, exact
}

func remotePath(path, locale string) (string, bool) {
	if p, ok := sysParams[path]; ok {
		return p, true
	}
	rest, ok := strings.CutPrefix(path, "fields.")
	if !ok || rest == "" {
		return "", false
	}
	if !strings.Contains(rest, ".") {
		return path, true
	}
	// explicit locale paths only translate for the requested locale
	if strings.HasSuffix(rest, "."+locale) {
		return strings.TrimSuffix(path, "."+locale), true
	}
	return "", false
}

func translateOrder(order string) (string, bool) {
	if order == "" {
		return "sys.id", true
	}
	var parts []string
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		path := strings.TrimPrefix(part, "-")
		if _, ok := sysParams[path]; !ok && !strings.HasPrefix(path, "fields.") {
			return "", false
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ","), true
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = formatValue(el)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}
