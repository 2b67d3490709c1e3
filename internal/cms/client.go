// Package cms provides a client for the remote headless CMS delivery and sync APIs.
//
// The client is stateless and performs no retries; callers decide the retry
// policy from the typed errors it returns.
package cms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/internal/logger"
	cmotel "github.com/stacklok/content-mirror/internal/otel"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

const (
	// DefaultBaseURL is the public content delivery endpoint
	DefaultBaseURL = "https://cdn.contentful.com"

	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "content-mirror/1.0"

	// TracerName is the tracer name for CMS client spans
	TracerName = "github.com/stacklok/content-mirror/internal/cms"

	defaultPageSize = 100
	maxPageSize     = 1000
)

// Client reads content from the remote CMS
type Client interface {
	// ListContentTypes pages through all content types using the given page size
	ListContentTypes(ctx context.Context, limit int) ([]ContentType, error)

	// GetEntry fetches a single entry by id; ErrNotFound when it does not exist
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// GetEntries fetches entries matching a delivery API query
	GetEntries(ctx context.Context, query EntriesQuery) ([]*Entry, error)

	// SyncPage fetches one page of the sync API. An empty token starts an initial sync.
	SyncPage(ctx context.Context, token string) (*SyncPage, error)
}

// Option configures the client
type Option func(*defaultClient)

// WithBaseURL overrides the API endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *defaultClient) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *defaultClient) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *defaultClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTracer sets the tracer used for per-call spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *defaultClient) {
		c.tracer = tracer
	}
}

type defaultClient struct {
	httpClient  *http.Client
	baseURL     string
	space       string
	environment string
	token       string
	tracer      trace.Tracer
}

// NewClient creates a client for one space and environment
func NewClient(space, environment, accessToken string, opts ...Option) Client {
	c := &defaultClient{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		baseURL:     DefaultBaseURL,
		space:       space,
		environment: environment,
		token:       accessToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListContentTypes implements Client
func (c *defaultClient) ListContentTypes(ctx context.Context, limit int) ([]ContentType, error) {
	ctx, span := cmotel.StartSpan(ctx, c.tracer, "cms.ListContentTypes",
		trace.WithAttributes(cmotel.AttrPageSize.Int(limit)))
	defer span.End()

	limit = clampPageSize(limit)

	var result []ContentType
	skip := 0
	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("skip", strconv.Itoa(skip))

		body, err := c.get(ctx, c.envPath("content_types"), query, false)
		if err != nil {
			cmotel.RecordError(span, err)
			return nil, err
		}

		page, err := decodeContentTypes(body)
		if err != nil {
			cmotel.RecordError(span, err)
			return nil, err
		}
		result = append(result, page.items...)
		skip += len(page.items)

		if len(page.items) == 0 || skip >= page.total {
			break
		}
	}

	span.SetAttributes(cmotel.AttrResultCount.Int(len(result)))
	return result, nil
}

// GetEntry implements Client
func (c *defaultClient) GetEntry(ctx context.Context, id string) (*Entry, error) {
	ctx, span := cmotel.StartSpan(ctx, c.tracer, "cms.GetEntry",
		trace.WithAttributes(cmotel.AttrEntryID.String(id)))
	defer span.End()

	query := url.Values{}
	query.Set("locale", "*")

	body, err := c.get(ctx, c.envPath("entries", url.PathEscape(id)), query, false)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			cmotel.RecordError(span, err)
		}
		return nil, err
	}

	entry, err := decodeEntry(body, true)
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, err
	}
	return entry, nil
}

// GetEntries implements Client
func (c *defaultClient) GetEntries(ctx context.Context, q EntriesQuery) ([]*Entry, error) {
	ctx, span := cmotel.StartSpan(ctx, c.tracer, "cms.GetEntries",
		trace.WithAttributes(cmotel.AttrContentType.String(q.ContentType)))
	defer span.End()

	query := url.Values{}
	if q.ContentType != "" {
		query.Set("content_type", q.ContentType)
	}
	for key, value := range q.Params {
		query.Set(key, value)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(clampPageSize(q.Limit)))
	}
	if q.Skip > 0 {
		query.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Order != "" {
		query.Set("order", q.Order)
	}
	if q.Locale != "" {
		query.Set("locale", q.Locale)
	} else {
		query.Set("locale", "*")
	}
	query.Set("include", "0")

	body, err := c.get(ctx, c.envPath("entries"), query, false)
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, err
	}

	entries, err := decodeEntries(body)
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(cmotel.AttrResultCount.Int(len(entries)))
	return entries, nil
}

// SyncPage implements Client
func (c *defaultClient) SyncPage(ctx context.Context, token string) (*SyncPage, error) {
	ctx, span := cmotel.StartSpan(ctx, c.tracer, "cms.SyncPage")
	defer span.End()

	query := url.Values{}
	if token == "" {
		query.Set("initial", "true")
		query.Set("type", "Entry")
	} else {
		query.Set("sync_token", token)
	}

	body, err := c.get(ctx, c.envPath("sync"), query, token != "")
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, err
	}

	page, err := decodeSyncPage(body)
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(cmotel.AttrResultCount.Int(len(page.Entries) + len(page.DeletedIDs)))
	return page, nil
}

func (c *defaultClient) envPath(parts ...string) string {
	return "/spaces/" + url.PathEscape(c.space) +
		"/environments/" + url.PathEscape(c.environment) +
		"/" + strings.Join(parts, "/")
}

// get performs a GET request and maps failures to typed errors.
// tokenCall marks requests that carry a sync token so 400/410 can be
// recognized as token expiry.
func (c *defaultClient) get(ctx context.Context, path string, query url.Values, tokenCall bool) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readLimited(resp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	message := errorMessage(body, resp.Status)
	logger.Debug("CMS request failed", "path", path, "status", resp.StatusCode, "message", message)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(message)}
	case tokenCall && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusGone) &&
		mentionsToken(body):
		return nil, ErrTokenExpired
	default:
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + path, Message: message}
	}
}

func readLimited(resp *http.Response) ([]byte, error) {
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// +1 to detect if limit exceeded
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// retryAfter reads the rate limit reset hint, preferring the CMS specific header.
func retryAfter(h http.Header) time.Duration {
	for _, name := range []string{"X-Contentful-RateLimit-Reset", "Retry-After"} {
		value := strings.TrimSpace(h.Get(name))
		if value == "" {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(value); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
			return 0
		}
	}
	return time.Second
}

func clampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
