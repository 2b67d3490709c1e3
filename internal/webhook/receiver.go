// Package webhook receives change notifications from the CMS and hands them
// to the sync engine without waiting for them to be applied.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/stacklok/content-mirror/internal/api/common"
	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/logger"
	pkgsync "github.com/stacklok/content-mirror/internal/sync"
	"github.com/stacklok/content-mirror/internal/telemetry"
)

const (
	// TopicHeader carries "<origin>.<kind>.<action>", e.g. ContentManagement.Entry.publish
	TopicHeader = "X-Contentful-Topic"

	// DefaultMaxBodyBytes bounds the payload size read from a request
	DefaultMaxBodyBytes int64 = 1 << 20
)

// request results recorded in metrics
const (
	resultAccepted     = "accepted"
	resultIgnored      = "ignored"
	resultUnauthorized = "unauthorized"
	resultMalformed    = "malformed"
	resultUnsupported  = "unsupported"
	resultUnavailable  = "unavailable"
)

// EventSink accepts events for asynchronous application
type EventSink interface {
	Submit(ev pkgsync.Event) error
}

// Receiver is the HTTP handler for CMS webhooks
type Receiver struct {
	username []byte
	password []byte
	sink     EventSink

	maxBodyBytes int64
	metrics      *telemetry.WebhookMetrics
	newID        func() string
}

var _ http.Handler = (*Receiver)(nil)

// Option configures the Receiver
type Option func(*Receiver)

// WithMaxBodyBytes sets the payload size limit
func WithMaxBodyBytes(n int64) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.maxBodyBytes = n
		}
	}
}

// WithMetrics sets the webhook request metrics
func WithMetrics(metrics *telemetry.WebhookMetrics) Option {
	return func(r *Receiver) {
		r.metrics = metrics
	}
}

// NewReceiver creates a receiver that accepts requests carrying the given
// Basic credentials. An empty username rejects every request.
func NewReceiver(username, password string, sink EventSink, opts ...Option) *Receiver {
	r := &Receiver{
		username:     []byte(username),
		password:     []byte(password),
		sink:         sink,
		maxBodyBytes: DefaultMaxBodyBytes,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authenticate checks the Basic credentials of req in constant time
func (r *Receiver) Authenticate(req *http.Request) bool {
	user, pass, ok := req.BasicAuth()
	if !ok || len(r.username) == 0 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), r.username)
	passOK := subtle.ConstantTimeCompare([]byte(pass), r.password)
	return userOK&passOK == 1
}

// record reports how a delivery was handled on the request span and in metrics
func (r *Receiver) record(ctx context.Context, result string) {
	telemetry.RecordWebhookResult(ctx, result)
	r.metrics.RecordRequest(ctx, result)
}

// ServeHTTP authenticates, parses and submits one webhook delivery
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if !r.Authenticate(req) {
		r.record(ctx, resultUnauthorized)
		w.Header().Set("WWW-Authenticate", `Basic realm="webhooks"`)
		common.WriteErrorResponse(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	deliveryID := r.newID()
	log := logger.With("delivery_id", deliveryID)

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodyBytes))
	if err != nil {
		r.record(ctx, resultMalformed)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.WriteErrorResponse(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		common.WriteErrorResponse(w, "failed to read payload", http.StatusBadRequest)
		return
	}

	kind, action, err := classify(req.Header.Get(TopicHeader), body)
	if err != nil {
		r.record(ctx, resultMalformed)
		log.Warnw("Rejecting webhook", "topic", req.Header.Get(TopicHeader), "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch kind {
	case "Entry", "DeletedEntry":
	case "ContentType", "DeletedContentType":
		r.record(ctx, resultIgnored)
		log.Warnw("Content type changed; the registry and query schema keep serving the old definition until rebuilt",
			"kind", kind, "action", action)
		w.WriteHeader(http.StatusAccepted)
		return
	default:
		r.record(ctx, resultIgnored)
		log.Debugw("Ignoring webhook for unmirrored resource", "kind", kind, "action", action)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ev, err := parseEvent(action, body)
	if err != nil {
		result := resultMalformed
		if errors.Is(err, errUnsupportedAction) {
			result = resultUnsupported
		}
		r.record(ctx, result)
		log.Warnw("Rejecting webhook", "action", action, "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev.DeliveryID = deliveryID

	if err := r.sink.Submit(ev); err != nil {
		switch {
		case errors.Is(err, pkgsync.ErrInvalidEvent):
			r.record(ctx, resultMalformed)
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		default:
			r.record(ctx, resultUnavailable)
			log.Errorw("Failed to queue webhook event", "id", ev.ID(), "error", err)
			w.Header().Set("Retry-After", "1")
			common.WriteErrorResponse(w, "event queue unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	r.record(ctx, resultAccepted)
	log.Debugw("Webhook event queued", "id", ev.ID(), "action", ev.Action, "revision", ev.Revision())
	common.WriteJSONResponse(w, map[string]string{"deliveryId": deliveryID}, http.StatusAccepted)
}

var errUnsupportedAction = errors.New("unsupported action")

// classify returns the resource kind and action of a delivery. The topic
// header wins; without it the payload sys.type decides.
func classify(topic string, body []byte) (kind, action string, err error) {
	if topic != "" {
		parts := strings.Split(topic, ".")
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return "", "", fmt.Errorf("malformed topic %q", topic)
		}
		return parts[1], parts[2], nil
	}

	if !gjson.ValidBytes(body) {
		return "", "", errors.New("malformed payload: invalid JSON")
	}
	sysType := gjson.GetBytes(body, "sys.type").String()
	switch sysType {
	case "":
		return "", "", errors.New("payload has no sys.type and no topic header was sent")
	case "DeletedEntry":
		return "DeletedEntry", string(pkgsync.ActionDelete), nil
	case "Entry":
		return "Entry", string(pkgsync.ActionSave), nil
	default:
		return sysType, "", nil
	}
}

func parseEvent(action string, body []byte) (pkgsync.Event, error) {
	a, err := pkgsync.ParseAction(action)
	if err != nil {
		return pkgsync.Event{}, fmt.Errorf("%w %q", errUnsupportedAction, action)
	}

	entry, err := cms.ParseEntry(body)
	if err != nil {
		return pkgsync.Event{}, err
	}
	// unpublish notifications carry a DeletedEntry body too; only the
	// other actions turn into deletes
	if entry.Sys.Type == "DeletedEntry" && a != pkgsync.ActionUnpublish {
		a = pkgsync.ActionDelete
	}
	return pkgsync.Event{Action: a, Entry: entry}, nil
}
