package cms

import (
	"time"
)

// FieldType is the declared type of a content type field
type FieldType string

// Field types understood by the mirror
const (
	FieldSymbol   FieldType = "Symbol"
	FieldText     FieldType = "Text"
	FieldRichText FieldType = "RichText"
	FieldInteger  FieldType = "Integer"
	FieldNumber   FieldType = "Number"
	FieldDate     FieldType = "Date"
	FieldLocation FieldType = "Location"
	FieldBoolean  FieldType = "Boolean"
	FieldObject   FieldType = "Object"
	FieldLink     FieldType = "Link"
	FieldArray    FieldType = "Array"
)

// LinkType is the kind of resource a link points at
type LinkType string

const (
	// LinkEntry links to another entry
	LinkEntry LinkType = "Entry"

	// LinkAsset links to an asset
	LinkAsset LinkType = "Asset"
)

// ContentType describes the shape of entries of one type
type ContentType struct {
	ID           string
	Name         string
	DisplayField string
	Fields       []FieldDefinition
}

// Field returns the field definition with the given id
func (ct *ContentType) Field(id string) (*FieldDefinition, bool) {
	for i := range ct.Fields {
		if ct.Fields[i].ID == id {
			return &ct.Fields[i], true
		}
	}
	return nil, false
}

// FieldDefinition describes a single field of a content type
type FieldDefinition struct {
	ID       string
	Name     string
	Type     FieldType
	LinkType LinkType
	Items    *ItemsDefinition

	// LinkContentTypes restricts entry links to these content type ids
	LinkContentTypes []string

	Localized bool
	Required  bool
	Disabled  bool
	Omitted   bool
}

// ItemsDefinition describes the element type of an Array field
type ItemsDefinition struct {
	Type             FieldType
	LinkType         LinkType
	LinkContentTypes []string
}

// Sys holds system metadata of an entry
type Sys struct {
	ID            string
	Type          string
	ContentTypeID string
	Revision      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// PublishedAt is nil for entries that are not (or no longer) published
	PublishedAt *time.Time

	// Locale is set when the entry was fetched for a single locale
	Locale string
}

// Entry is a content entry. Fields are keyed by field id, then locale.
type Entry struct {
	Sys    Sys
	Fields map[string]map[string]any
}

// ID returns the entry id
func (e *Entry) ID() string {
	return e.Sys.ID
}

// ContentTypeID returns the id of the entry's content type
func (e *Entry) ContentTypeID() string {
	return e.Sys.ContentTypeID
}

// Field returns the value of a field for a locale
func (e *Entry) Field(id, locale string) (any, bool) {
	values, ok := e.Fields[id]
	if !ok {
		return nil, false
	}
	v, ok := values[locale]
	return v, ok
}

// Clone returns a copy of the entry that shares no maps with the receiver.
// Field values themselves are shared; they are treated as immutable.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{Sys: e.Sys}
	if e.Sys.PublishedAt != nil {
		t := *e.Sys.PublishedAt
		out.Sys.PublishedAt = &t
	}
	if e.Fields != nil {
		out.Fields = make(map[string]map[string]any, len(e.Fields))
		for id, locales := range e.Fields {
			copied := make(map[string]any, len(locales))
			for locale, v := range locales {
				copied[locale] = v
			}
			out.Fields[id] = copied
		}
	}
	return out
}

// Link is an unresolved reference to an entry or asset
type Link struct {
	LinkType LinkType
	ID       string
}

// AsLink decodes a field value of the form {"sys":{"type":"Link",...}}
func AsLink(v any) (Link, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Link{}, false
	}
	sys, ok := m["sys"].(map[string]any)
	if !ok {
		return Link{}, false
	}
	if t, _ := sys["type"].(string); t != "Link" {
		return Link{}, false
	}
	id, _ := sys["id"].(string)
	linkType, _ := sys["linkType"].(string)
	if id == "" {
		return Link{}, false
	}
	return Link{LinkType: LinkType(linkType), ID: id}, true
}

// Deletion records an entry removed on the remote side
type Deletion struct {
	ID       string
	Revision int64
}

// SyncPage is one page of the sync API
type SyncPage struct {
	Entries    []*Entry
	DeletedIDs []Deletion

	// NextToken continues the current run when Done is false, and starts the
	// next incremental run when Done is true.
	NextToken string
	Done      bool
}

// EntriesQuery selects entries from the delivery API
type EntriesQuery struct {
	ContentType string

	// Params holds field filters keyed as the delivery API expects them,
	// e.g. "fields.slug" or "fields.tags[in]".
	Params map[string]string

	Limit  int
	Skip   int
	Order  string
	Locale string
}
