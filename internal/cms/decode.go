package cms

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type wireSysRef struct {
	Sys struct {
		ID string `json:"id"`
	} `json:"sys"`
}

type wireSys struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	ContentType *wireSysRef `json:"contentType"`
	Revision    *int64      `json:"revision"`
	Version     *int64      `json:"version"`
	CreatedAt   *time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time  `json:"updatedAt"`
	PublishedAt *time.Time  `json:"publishedAt"`
	DeletedAt   *time.Time  `json:"deletedAt"`
	Locale      string      `json:"locale"`
}

type wireEntry struct {
	Sys    wireSys        `json:"sys"`
	Fields map[string]any `json:"fields"`
}

type wireValidation struct {
	LinkContentType []string `json:"linkContentType"`
}

type wireItems struct {
	Type        string           `json:"type"`
	LinkType    string           `json:"linkType"`
	Validations []wireValidation `json:"validations"`
}

type wireField struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	LinkType    string           `json:"linkType"`
	Items       *wireItems       `json:"items"`
	Validations []wireValidation `json:"validations"`
	Localized   bool             `json:"localized"`
	Required    bool             `json:"required"`
	Disabled    bool             `json:"disabled"`
	Omitted     bool             `json:"omitted"`
}

type wireContentType struct {
	Sys          wireSys     `json:"sys"`
	Name         string      `json:"name"`
	DisplayField string      `json:"displayField"`
	Fields       []wireField `json:"fields"`
}

type wireCollection[T any] struct {
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
	Items []T `json:"items"`
}

type wireSyncResponse struct {
	Items       []wireEntry `json:"items"`
	NextPageURL string      `json:"nextPageUrl"`
	NextSyncURL string      `json:"nextSyncUrl"`
}

type wireError struct {
	Sys struct {
		ID string `json:"id"`
	} `json:"sys"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type contentTypePage struct {
	items []ContentType
	total int
}

func malformed(format string, args ...any) error {
	return &MalformedResponseError{Err: fmt.Errorf(format, args...)}
}

func decodeContentTypes(body []byte) (*contentTypePage, error) {
	var coll wireCollection[wireContentType]
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}

	page := &contentTypePage{total: coll.Total, items: make([]ContentType, 0, len(coll.Items))}
	for _, w := range coll.Items {
		if w.Sys.ID == "" {
			return nil, malformed("content type without sys.id")
		}
		ct := ContentType{
			ID:           w.Sys.ID,
			Name:         w.Name,
			DisplayField: w.DisplayField,
			Fields:       make([]FieldDefinition, 0, len(w.Fields)),
		}
		for _, f := range w.Fields {
			def := FieldDefinition{
				ID:               f.ID,
				Name:             f.Name,
				Type:             FieldType(f.Type),
				LinkType:         LinkType(f.LinkType),
				LinkContentTypes: linkContentTypes(f.Validations),
				Localized:        f.Localized,
				Required:         f.Required,
				Disabled:         f.Disabled,
				Omitted:          f.Omitted,
			}
			if f.Items != nil {
				def.Items = &ItemsDefinition{
					Type:             FieldType(f.Items.Type),
					LinkType:         LinkType(f.Items.LinkType),
					LinkContentTypes: linkContentTypes(f.Items.Validations),
				}
			}
			ct.Fields = append(ct.Fields, def)
		}
		page.items = append(page.items, ct)
	}
	return page, nil
}

func linkContentTypes(validations []wireValidation) []string {
	var out []string
	for _, v := range validations {
		out = append(out, v.LinkContentType...)
	}
	return out
}

// decodeEntry decodes a single entry document. Delivery and sync API entries
// are published by definition, so markPublished fills a missing publishedAt.
func decodeEntry(body []byte, markPublished bool) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	return convertEntry(&w, markPublished)
}

func decodeEntries(body []byte) ([]*Entry, error) {
	var coll wireCollection[wireEntry]
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	entries := make([]*Entry, 0, len(coll.Items))
	for i := range coll.Items {
		entry, err := convertEntry(&coll.Items[i], true)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeSyncPage(body []byte) (*SyncPage, error) {
	var w wireSyncResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &MalformedResponseError{Err: err}
	}

	page := &SyncPage{}
	for i := range w.Items {
		item := &w.Items[i]
		switch item.Sys.Type {
		case "Entry":
			entry, err := convertEntry(item, true)
			if err != nil {
				return nil, err
			}
			page.Entries = append(page.Entries, entry)
		case "DeletedEntry":
			if item.Sys.ID == "" {
				return nil, malformed("deleted entry without sys.id")
			}
			page.DeletedIDs = append(page.DeletedIDs, Deletion{ID: item.Sys.ID, Revision: revisionOf(&item.Sys)})
		}
	}

	var err error
	switch {
	case w.NextPageURL != "":
		page.NextToken, err = syncToken(w.NextPageURL)
	case w.NextSyncURL != "":
		page.NextToken, err = syncToken(w.NextSyncURL)
		page.Done = true
	default:
		err = errors.New("sync response carries neither nextPageUrl nor nextSyncUrl")
	}
	if err != nil {
		return nil, &MalformedResponseError{Err: err}
	}
	return page, nil
}

func syncToken(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid sync url: %w", err)
	}
	token := u.Query().Get("sync_token")
	if token == "" {
		return "", fmt.Errorf("sync url %q has no sync_token", raw)
	}
	return token, nil
}

func convertEntry(w *wireEntry, markPublished bool) (*Entry, error) {
	if w.Sys.ID == "" {
		return nil, malformed("entry without sys.id")
	}

	entry := &Entry{
		Sys: Sys{
			ID:       w.Sys.ID,
			Type:     w.Sys.Type,
			Revision: revisionOf(&w.Sys),
			Locale:   w.Sys.Locale,
		},
		Fields: make(map[string]map[string]any, len(w.Fields)),
	}
	if entry.Sys.Type == "" {
		entry.Sys.Type = "Entry"
	}
	if w.Sys.ContentType != nil {
		entry.Sys.ContentTypeID = w.Sys.ContentType.Sys.ID
	}
	if entry.Sys.Type == "Entry" && entry.Sys.ContentTypeID == "" {
		return nil, malformed("entry %s without sys.contentType", w.Sys.ID)
	}
	if w.Sys.CreatedAt != nil {
		entry.Sys.CreatedAt = w.Sys.CreatedAt.UTC()
	}
	if w.Sys.UpdatedAt != nil {
		entry.Sys.UpdatedAt = w.Sys.UpdatedAt.UTC()
	} else if w.Sys.DeletedAt != nil {
		entry.Sys.UpdatedAt = w.Sys.DeletedAt.UTC()
	}
	if w.Sys.PublishedAt != nil {
		t := w.Sys.PublishedAt.UTC()
		entry.Sys.PublishedAt = &t
	} else if markPublished && entry.Sys.Type == "Entry" {
		t := entry.Sys.UpdatedAt
		entry.Sys.PublishedAt = &t
	}

	for id, raw := range w.Fields {
		// Single-locale responses carry bare values; wrap them under that locale.
		if w.Sys.Locale != "" {
			entry.Fields[id] = map[string]any{w.Sys.Locale: raw}
			continue
		}
		locales, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed("field %q of entry %s is not keyed by locale", id, w.Sys.ID)
		}
		entry.Fields[id] = locales
	}
	return entry, nil
}

// revisionOf prefers the delivery revision and falls back to the management version.
func revisionOf(sys *wireSys) int64 {
	if sys.Revision != nil {
		return *sys.Revision
	}
	if sys.Version != nil {
		return *sys.Version
	}
	return 0
}

// ParseEntry decodes an entry document as delivered in webhook payloads.
// Sys.Type is "Entry" or "DeletedEntry"; publishedAt is kept as sent.
func ParseEntry(body []byte) (*Entry, error) {
	return decodeEntry(body, false)
}

func errorMessage(body []byte, fallback string) string {
	var w wireError
	if err := json.Unmarshal(body, &w); err != nil || (w.Message == "" && w.Sys.ID == "") {
		return fallback
	}
	if w.Sys.ID != "" && w.Message != "" {
		return w.Sys.ID + ": " + w.Message
	}
	if w.Message != "" {
		return w.Message
	}
	return w.Sys.ID
}

// mentionsToken reports whether an error body blames the sync token
func mentionsToken(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "token") &&
		(strings.Contains(lower, "invalid") || strings.Contains(lower, "expired") ||
			strings.Contains(lower, "unknown") || strings.Contains(lower, "gone"))
}
