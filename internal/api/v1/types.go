package v1

import (
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
)

// SysResponse is the JSON form of entry metadata
type SysResponse struct {
	ID          string     `json:"id"`
	ContentType string     `json:"contentType"`
	Revision    int64      `json:"revision"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	Locale      string     `json:"locale,omitempty"`
}

// EntryResponse is the JSON form of an entry
type EntryResponse struct {
	Sys SysResponse `json:"sys"`

	// Display is the value of the content type's display field, or the id
	Display string                    `json:"display"`
	Fields  map[string]map[string]any `json:"fields"`
}

// EntryListResponse is a page of entries
type EntryListResponse struct {
	Items []EntryResponse `json:"items"`
	Skip  int             `json:"skip"`
	Limit int             `json:"limit"`
}

// FieldResponse describes one content type field
type FieldResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	LinkType         string   `json:"linkType,omitempty"`
	ItemsType        string   `json:"itemsType,omitempty"`
	LinkContentTypes []string `json:"linkContentTypes,omitempty"`
	Localized        bool     `json:"localized"`
	Required         bool     `json:"required"`
}

// ContentTypeResponse describes one content type
type ContentTypeResponse struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DisplayField string          `json:"displayField,omitempty"`
	Fields       []FieldResponse `json:"fields"`
}

// ContentTypeListResponse lists the registered content types
type ContentTypeListResponse struct {
	Items []ContentTypeResponse `json:"items"`
	Total int                   `json:"total"`
}

func toEntryResponse(e *cms.Entry, display string) EntryResponse {
	fields := e.Fields
	if fields == nil {
		fields = map[string]map[string]any{}
	}
	return EntryResponse{
		Sys: SysResponse{
			ID:          e.Sys.ID,
			ContentType: e.Sys.ContentTypeID,
			Revision:    e.Sys.Revision,
			CreatedAt:   e.Sys.CreatedAt,
			UpdatedAt:   e.Sys.UpdatedAt,
			PublishedAt: e.Sys.PublishedAt,
			Locale:      e.Sys.Locale,
		},
		Display: display,
		Fields:  fields,
	}
}

func toContentTypeResponse(ct *cms.ContentType) ContentTypeResponse {
	out := ContentTypeResponse{
		ID:           ct.ID,
		Name:         ct.Name,
		DisplayField: ct.DisplayField,
		Fields:       make([]FieldResponse, 0, len(ct.Fields)),
	}
	for _, f := range ct.Fields {
		if f.Omitted {
			continue
		}
		fr := FieldResponse{
			ID:               f.ID,
			Name:             f.Name,
			Type:             string(f.Type),
			LinkType:         string(f.LinkType),
			LinkContentTypes: f.LinkContentTypes,
			Localized:        f.Localized,
			Required:         f.Required,
		}
		if f.Items != nil {
			fr.ItemsType = string(f.Items.Type)
			if f.Items.LinkType != "" {
				fr.LinkType = string(f.Items.LinkType)
				fr.LinkContentTypes = f.Items.LinkContentTypes
			}
		}
		out.Fields = append(out.Fields, fr)
	}
	return out
}
