package middleware

import (
	"time"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/store"
)

// PublishWindow keeps entries whose publish window contains the current
// time: publishAt <= now < unpublishAt. A missing bound leaves that side
// open. Preview requests bypass the stage.
type PublishWindow struct {
	publishAtField   string
	unpublishAtField string
	now              func() time.Time
}

var (
	_ Skipper     = (*PublishWindow)(nil)
	_ Skipper     = (*PublishedOnly)(nil)
	_ Skipper     = (*Locale)(nil)
	_ Transformer = (*Locale)(nil)
)

// PublishWindowOption configures a PublishWindow
type PublishWindowOption func(*PublishWindow)

// WithClock sets the time source of the stage
func WithClock(now func() time.Time) PublishWindowOption {
	return func(p *PublishWindow) {
		p.now = now
	}
}

// NewPublishWindow creates the stage reading the window bounds from the given fields
func NewPublishWindow(publishAtField, unpublishAtField string, opts ...PublishWindowOption) *PublishWindow {
	p := &PublishWindow{
		publishAtField:   publishAtField,
		unpublishAtField: unpublishAtField,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Stage
func (*PublishWindow) Name() string { return "publishWindow" }

// Skip implements Skipper
func (*PublishWindow) Skip(mc Context) bool { return mc.Params.Preview }

// Select implements Stage
func (p *PublishWindow) Select(entry *cms.Entry, mc Context) bool {
	now := p.now()
	if from, ok := timeField(entry, p.publishAtField, mc.Config.DefaultLocale); ok && now.Before(from) {
		return false
	}
	if until, ok := timeField(entry, p.unpublishAtField, mc.Config.DefaultLocale); ok && !now.Before(until) {
		return false
	}
	return true
}

// timeField reads a date field. Window fields are not localized, so the
// default locale is read, falling back to any locale present.
func timeField(entry *cms.Entry, field, locale string) (time.Time, bool) {
	values, ok := entry.Fields[field]
	if !ok || len(values) == 0 {
		return time.Time{}, false
	}
	v, ok := values[locale]
	if !ok {
		for _, other := range values {
			v = other
			break
		}
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return store.ParseTime(t)
	}
	return time.Time{}, false
}

// PublishedOnly drops entries that are not published. Preview requests bypass the stage.
type PublishedOnly struct{}

// NewPublishedOnly creates the stage
func NewPublishedOnly() *PublishedOnly { return &PublishedOnly{} }

// Name implements Stage
func (*PublishedOnly) Name() string { return "publishedOnly" }

// Skip implements Skipper
func (*PublishedOnly) Skip(mc Context) bool { return mc.Params.Preview }

// Select implements Stage
func (*PublishedOnly) Select(entry *cms.Entry, _ Context) bool {
	return entry.Sys.PublishedAt != nil
}

// Locale projects every field onto the requested locale, falling back to
// the default locale for fields without a value in it.
type Locale struct{}

// NewLocale creates the stage
func NewLocale() *Locale { return &Locale{} }

// Name implements Stage
func (*Locale) Name() string { return "locale" }

// Skip implements Skipper; requests without a locale keep every locale
func (*Locale) Skip(mc Context) bool { return mc.Params.Locale == "" }

// Select implements Stage
func (*Locale) Select(*cms.Entry, Context) bool { return true }

// Transform implements Transformer
func (*Locale) Transform(entry *cms.Entry, mc Context) *cms.Entry {
	locale := mc.LocaleOrDefault()
	out := &cms.Entry{Sys: entry.Sys, Fields: make(map[string]map[string]any, len(entry.Fields))}
	out.Sys.Locale = locale
	for id, values := range entry.Fields {
		v, ok := values[locale]
		if !ok {
			v, ok = values[mc.Config.DefaultLocale]
		}
		if ok {
			out.Fields[id] = map[string]any{locale: v}
		}
	}
	return out
}
