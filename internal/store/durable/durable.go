// Package durable provides a SQL-backed synced store for PostgreSQL and SQLite.
//
// Each write runs in its own transaction so that an entry and its tombstone
// bookkeeping change together. Equality conditions on sys columns narrow the
// rows in SQL; field filters and ordering reuse the shared store matcher over
// the loaded rows.
package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/content-mirror/internal/cms"
	"github.com/stacklok/content-mirror/internal/db"
	"github.com/stacklok/content-mirror/internal/logger"
	cmotel "github.com/stacklok/content-mirror/internal/otel"
	"github.com/stacklok/content-mirror/internal/store"
)

const backendName = "durable"

const entryColumns = `id, content_type_id, revision, created_at, updated_at, published_at, locale, fields`

const upsertEntrySQL = `INSERT INTO entries (` + entryColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	content_type_id = excluded.content_type_id,
	revision = excluded.revision,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	published_at = excluded.published_at,
	locale = excluded.locale,
	fields = excluded.fields`

const upsertTombstoneSQL = `INSERT INTO tombstones (id, revision, deleted_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	revision = excluded.revision,
	deleted_at = excluded.deleted_at,
	expires_at = excluded.expires_at`

const upsertTokenSQL = `INSERT INTO sync_state (scope, token, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (scope) DO UPDATE SET
	token = excluded.token,
	updated_at = excluded.updated_at`

// Store is a SyncedStore persisted in a SQL database
type Store struct {
	db            *sql.DB
	dialect       db.Dialect
	scope         string
	defaultLocale string
	now           func() time.Time
	tracer        trace.Tracer
}

var _ store.SyncedStore = (*Store)(nil)

// Option is a functional option for configuring the Store
type Option func(*Store)

// WithScope sets the space/environment key the sync token is stored under
func WithScope(scope string) Option {
	return func(s *Store) {
		s.scope = scope
	}
}

// WithDefaultLocale sets the locale used for field paths without one
func WithDefaultLocale(locale string) Option {
	return func(s *Store) {
		s.defaultLocale = locale
	}
}

// WithClock sets the time source used for tombstones
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTracer sets the tracer used for store spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = tracer
	}
}

// New creates a store over an open, migrated database
func New(conn *sql.DB, dialect db.Dialect, opts ...Option) *Store {
	s := &Store{
		db:            conn,
		dialect:       dialect,
		scope:         "default",
		defaultLocale: "en-US",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append([]trace.SpanStartOption{trace.WithAttributes(cmotel.AttrStoreBackend.String(s.dialect.Name()))}, opts...)
	return cmotel.StartSpan(ctx, s.tracer, name, opts...)
}

func backendErr(op string, err error) error {
	return &store.BackendError{Backend: backendName, Op: op, Err: err}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*cms.Entry, error) {
	var (
		e           cms.Entry
		publishedAt sql.NullTime
		fields      []byte
	)
	err := row.Scan(
		&e.Sys.ID, &e.Sys.ContentTypeID, &e.Sys.Revision,
		&e.Sys.CreatedAt, &e.Sys.UpdatedAt, &publishedAt,
		&e.Sys.Locale, &fields,
	)
	if err != nil {
		return nil, err
	}
	e.Sys.Type = "Entry"
	e.Sys.CreatedAt = e.Sys.CreatedAt.UTC()
	e.Sys.UpdatedAt = e.Sys.UpdatedAt.UTC()
	if publishedAt.Valid {
		t := publishedAt.Time.UTC()
		e.Sys.PublishedAt = &t
	}
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of entry %s: %w", e.Sys.ID, err)
	}
	return &e, nil
}

// Find implements store.Store
func (s *Store) Find(ctx context.Context, id string) (*cms.Entry, error) {
	ctx, span := s.startSpan(ctx, "durable.Find", trace.WithAttributes(cmotel.AttrEntryID.String(id)))
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+entryColumns+` FROM entries WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, backendErr("find", err)
	}
	return e, nil
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

	ctx, span := s.startSpan(ctx, "durable.FindAll", trace.WithAttributes(cmotel.AttrContentType.String(contentType)))
	defer span.End()

	q, args := s.selectEntries(contentType, query)
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		cmotel.RecordError(span, err)
		return nil, backendErr("find all", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var candidates []*cms.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			cmotel.RecordError(span, err)
			return nil, backendErr("find all", err)
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		cmotel.RecordError(span, err)
		return nil, backendErr("find all", err)
	}

	result := store.Apply(candidates, query, s.defaultLocale)
	span.SetAttributes(cmotel.AttrResultCount.Int(len(result)))
	return result, nil
}

// sysColumns maps the sys filter paths that have their own column
var sysColumns = map[string]string{
	"sys.id":          "id",
	"sys.contentType": "content_type_id",
	"sys.revision":    "revision",
}

// selectEntries builds the candidate query of FindAll. Pushed conditions may
// only drop rows the matcher would reject too. The page bound is pushed when
// every condition was and the query keeps the default id order.
func (s *Store) selectEntries(contentType string, query store.Query) (string, []any) {
	where := []string{"content_type_id = ?"}
	args := []any{contentType}
	pushed := 0
	for _, c := range query.Filter {
		column, ok := sysColumns[c.Path]
		if !ok || c.Op != store.OpEq {
			continue
		}
		v, ok := columnValue(column, c.Value)
		if !ok {
			continue
		}
		where = append(where, column+" = ?")
		args = append(args, v)
		pushed++
	}

	q := `SELECT ` + entryColumns + ` FROM entries WHERE ` + strings.Join(where, " AND ")
	if pushed == len(query.Filter) && strings.TrimSpace(query.Order) == "" && query.Limit > 0 {
		return q + ` ORDER BY ` + s.dialect.ByteOrder("id") + ` LIMIT ?`, append(args, max(query.Skip, 0)+query.Limit)
	}
	return q + ` ORDER BY updated_at, id`, args
}

func columnValue(column string, v any) (any, bool) {
	if column != "revision" {
		str, ok := v.(string)
		return str, ok
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return nil, false
}

// Revision implements store.SyncedStore
func (s *Store) Revision(ctx context.Context, id string) (int64, bool, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT revision FROM entries WHERE id = ?`), id).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, backendErr("revision", err)
	}
	return revision, true, nil
}

// Upsert implements store.SyncedStore
func (s *Store) Upsert(ctx context.Context, entry *cms.Entry) error {
	ctx, span := s.startSpan(ctx, "durable.Upsert",
		trace.WithAttributes(cmotel.AttrEntryID.String(entry.Sys.ID), cmotel.AttrRevision.Int64(entry.Sys.Revision)))
	defer span.End()

	err := s.inTx(ctx, "upsert", func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			s.dialect.Rebind(`SELECT content_type_id FROM entries WHERE id = ?`), entry.Sys.ID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case existing != entry.Sys.ContentTypeID:
			return store.ErrContentTypeMismatch
		}

		if err := s.writeEntry(ctx, tx, entry); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM tombstones WHERE id = ?`), entry.Sys.ID)
		return err
	})
	cmotel.RecordError(span, err)
	return err
}

func (s *Store) writeEntry(ctx context.Context, tx *sql.Tx, entry *cms.Entry) error {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields of entry %s: %w", entry.Sys.ID, err)
	}
	var publishedAt sql.NullTime
	if entry.Sys.PublishedAt != nil {
		publishedAt = sql.NullTime{Time: entry.Sys.PublishedAt.UTC(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(upsertEntrySQL),
		entry.Sys.ID,
		entry.Sys.ContentTypeID,
		entry.Sys.Revision,
		entry.Sys.CreatedAt.UTC(),
		entry.Sys.UpdatedAt.UTC(),
		publishedAt,
		entry.Sys.Locale,
		string(fields),
	)
	return err
}

// Delete implements store.SyncedStore
func (s *Store) Delete(ctx context.Context, id string, revision int64, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "durable.Delete",
		trace.WithAttributes(cmotel.AttrEntryID.String(id), cmotel.AttrRevision.Int64(revision)))
	defer span.End()

	now := s.now().UTC()
	err := s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM entries WHERE id = ?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(upsertTombstoneSQL), id, revision, now, now.Add(ttl))
		return err
	})
	cmotel.RecordError(span, err)
	return err
}

// Tombstone implements store.SyncedStore
func (s *Store) Tombstone(ctx context.Context, id string) (*store.Tombstone, bool, error) {
	ts := store.Tombstone{ID: id}
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT revision, deleted_at, expires_at FROM tombstones WHERE id = ? AND expires_at > ?`),
		id, s.now().UTC(),
	).Scan(&ts.Revision, &ts.DeletedAt, &ts.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, backendErr("tombstone", err)
	}
	ts.DeletedAt = ts.DeletedAt.UTC()
	ts.ExpiresAt = ts.ExpiresAt.UTC()
	return &ts, true, nil
}

// Replace implements store.SyncedStore. The snapshot is written in a single
// transaction; on any error the previous content stays in place.
func (s *Store) Replace(ctx context.Context, snapshot *store.Snapshot) error {
	ctx, span := s.startSpan(ctx, "durable.Replace",
		trace.WithAttributes(cmotel.AttrResultCount.Int(len(snapshot.Entries))))
	defer span.End()

	types := make(map[string]string, len(snapshot.Entries))
	for _, e := range snapshot.Entries {
		if ct, ok := types[e.Sys.ID]; ok && ct != e.Sys.ContentTypeID {
			return store.ErrContentTypeMismatch
		}
		types[e.Sys.ID] = e.Sys.ContentTypeID
	}

	now := s.now().UTC()
	err := s.inTx(ctx, "replace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones`); err != nil {
			return err
		}
		for _, e := range snapshot.Entries {
			if err := s.writeEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, d := range snapshot.Deleted {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM entries WHERE id = ?`), d.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(upsertTombstoneSQL),
				d.ID, d.Revision, now, now.Add(snapshot.TombstoneTTL)); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(upsertTokenSQL), s.scope, snapshot.Token, now)
		return err
	})
	if err != nil {
		cmotel.RecordError(span, err)
		return err
	}

	logger.Debug("Durable store replaced", "entries", len(snapshot.Entries), "deleted", len(snapshot.Deleted))
	return nil
}

// SyncToken implements store.SyncedStore
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT token FROM sync_state WHERE scope = ?`), s.scope).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", backendErr("read sync token", err)
	}
	return token, nil
}

// SetSyncToken implements store.SyncedStore
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(upsertTokenSQL), s.scope, token, s.now().UTC()); err != nil {
		return backendErr("write sync token", err)
	}
	return nil
}

// PurgeTombstones implements store.SyncedStore
func (s *Store) PurgeTombstones(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM tombstones WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, backendErr("purge tombstones", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, backendErr("purge tombstones", err)
	}
	return int(n), nil
}

// Count implements store.SyncedStore. Entries carry no scope column: a
// scope without a token starts with a full sync, and Replace clears every
// row, so the table only ever holds the scope that last synced.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, backendErr("count", err)
	}
	return n, nil
}

// inTx runs fn in a transaction. Domain errors pass through unchanged; other
// failures are wrapped as backend errors.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr(op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn("Failed to roll back transaction", "op", op, "error", rbErr)
		}
		if errors.Is(err, store.ErrContentTypeMismatch) {
			return err
		}
		return backendErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return backendErr(op, err)
	}
	return nil
}
