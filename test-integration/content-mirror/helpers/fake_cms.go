// Package helpers provides the fake CMS and server harness used by the
// content mirror integration tests.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeEntry is an entry as the fake CMS serves it
type FakeEntry struct {
	ID          string
	ContentType string
	Revision    int64
	Fields      map[string]map[string]any
}

type change struct {
	seq     int
	entry   *FakeEntry
	deleted bool
}

// FakeCMS serves the subset of the delivery and sync APIs the mirror uses.
// Sync tokens are sequence numbers into its change log.
type FakeCMS struct {
	server *httptest.Server

	mu           sync.Mutex
	contentTypes []map[string]any
	entries      map[string]*FakeEntry
	changes      []change
	seq          int
	expireTokens bool
	requests     map[string]int
}

// NewFakeCMS starts a fake CMS serving the given content types
func NewFakeCMS(contentTypes ...map[string]any) *FakeCMS {
	f := &FakeCMS{
		contentTypes: contentTypes,
		entries:      make(map[string]*FakeEntry),
		requests:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /spaces/{space}/environments/{env}/content_types", f.handleContentTypes)
	mux.HandleFunc("GET /spaces/{space}/environments/{env}/entries", f.handleEntries)
	mux.HandleFunc("GET /spaces/{space}/environments/{env}/entries/{id}", f.handleEntry)
	mux.HandleFunc("GET /spaces/{space}/environments/{env}/sync", f.handleSync)
	f.server = httptest.NewServer(mux)
	return f
}

// URL is the base URL to configure the mirror with
func (f *FakeCMS) URL() string {
	return f.server.URL
}

// Close shuts the server down
func (f *FakeCMS) Close() {
	f.server.Close()
}

// Put creates or updates an entry, bumping its revision
func (f *FakeCMS) Put(entry FakeEntry) *FakeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.entries[entry.ID]; ok && entry.Revision <= prev.Revision {
		entry.Revision = prev.Revision + 1
	}
	if entry.Revision == 0 {
		entry.Revision = 1
	}
	stored := entry
	f.entries[entry.ID] = &stored
	f.seq++
	f.changes = append(f.changes, change{seq: f.seq, entry: &stored})
	return &stored
}

// Remove deletes an entry and returns the deletion revision
func (f *FakeCMS) Remove(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, ok := f.entries[id]
	if !ok {
		return 0
	}
	delete(f.entries, id)
	f.seq++
	tomb := &FakeEntry{ID: id, Revision: prev.Revision + 1}
	f.changes = append(f.changes, change{seq: f.seq, entry: tomb, deleted: true})
	return tomb.Revision
}

// ExpireTokens makes every token-based sync call fail as expired
func (f *FakeCMS) ExpireTokens(expire bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireTokens = expire
}

// Requests returns how many requests hit the given endpoint kind
// ("content_types", "entries", "entry", "initial_sync", "token_sync")
func (f *FakeCMS) Requests(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[kind]
}

func (f *FakeCMS) count(kind string) {
	f.mu.Lock()
	f.requests[kind]++
	f.mu.Unlock()
}

func (f *FakeCMS) handleContentTypes(w http.ResponseWriter, _ *http.Request) {
	f.count("content_types")
	f.mu.Lock()
	items := f.contentTypes
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "skip": 0, "limit": 1000, "items": items})
}

func (f *FakeCMS) handleEntries(w http.ResponseWriter, r *http.Request) {
	f.count("entries")
	contentType := r.URL.Query().Get("content_type")

	f.mu.Lock()
	items := make([]any, 0, len(f.entries))
	for _, e := range f.entries {
		if contentType == "" || e.ContentType == contentType {
			items = append(items, entryJSON(e))
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

func (f *FakeCMS) handleEntry(w http.ResponseWriter, r *http.Request) {
	f.count("entry")
	f.mu.Lock()
	e, ok := f.entries[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"sys": map[string]any{"id": "NotFound"}, "message": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, entryJSON(e))
}

func (f *FakeCMS) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	defer f.mu.Unlock()

	next := fmt.Sprintf("%s%s?sync_token=%d", f.server.URL, r.URL.Path, f.seq)
	if q.Get("initial") == "true" {
		f.requests["initial_sync"]++
		items := make([]any, 0, len(f.entries))
		for _, e := range f.entries {
			items = append(items, entryJSON(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextSyncUrl": next})
		return
	}

	f.requests["token_sync"]++
	since, err := strconv.Atoi(q.Get("sync_token"))
	if f.expireTokens || err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"sys": map[string]any{"id": "BadRequest"}, "message": "The sync token is invalid or expired",
		})
		return
	}

	items := []any{}
	for _, c := range f.changes {
		if c.seq <= since {
			continue
		}
		if c.deleted {
			items = append(items, map[string]any{"sys": map[string]any{
				"id": c.entry.ID, "type": "DeletedEntry", "revision": c.entry.Revision,
				"deletedAt": time.Now().UTC().Format(time.RFC3339),
			}})
			continue
		}
		items = append(items, entryJSON(c.entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextSyncUrl": next})
}

// EntryPayload renders an entry the way the CMS sends it in webhooks
func EntryPayload(e *FakeEntry) string {
	data, _ := json.Marshal(entryJSON(e))
	return string(data)
}

// DeletionPayload renders a DeletedEntry webhook body
func DeletionPayload(id string, revision int64) string {
	return fmt.Sprintf(`{"sys":{"id":%q,"type":"DeletedEntry","revision":%d}}`, id, revision)
}

func entryJSON(e *FakeEntry) map[string]any {
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(e.Revision) * time.Minute)
	return map[string]any{
		"sys": map[string]any{
			"id":        e.ID,
			"type":      "Entry",
			"revision":  e.Revision,
			"createdAt": "2024-01-01T00:00:00Z",
			"updatedAt": stamp.Format(time.RFC3339),
			"contentType": map[string]any{"sys": map[string]any{
				"type": "Link", "linkType": "ContentType", "id": e.ContentType,
			}},
		},
		"fields": e.Fields,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContentType builds a content type definition in the CMS wire format.
// Each field is given as "id:Type".
func ContentType(id, displayField string, fields ...string) map[string]any {
	defs := make([]any, 0, len(fields))
	for _, f := range fields {
		fieldID, fieldType, _ := strings.Cut(f, ":")
		defs = append(defs, map[string]any{"id": fieldID, "name": fieldID, "type": fieldType})
	}
	return map[string]any{
		"sys":          map[string]any{"id": id},
		"name":         strings.ToUpper(id[:1]) + id[1:],
		"displayField": displayField,
		"fields":       defs,
	}
}
