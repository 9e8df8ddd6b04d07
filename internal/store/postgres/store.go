// Package postgres provides the Postgres-backed catalog.Store.
//
// Expected schema:
//
//	CREATE TABLE books (
//	    source_url      TEXT PRIMARY KEY,
//	    name            TEXT NOT NULL,
//	    description     TEXT NOT NULL DEFAULT '',
//	    category        TEXT NOT NULL DEFAULT '',
//	    price_incl_tax  DOUBLE PRECISION NOT NULL,
//	    price_excl_tax  DOUBLE PRECISION NOT NULL,
//	    availability    TEXT NOT NULL DEFAULT '',
//	    num_reviews     INTEGER NOT NULL DEFAULT 0,
//	    image_url       TEXT NOT NULL DEFAULT '',
//	    rating          TEXT NOT NULL DEFAULT '',
//	    content_hash    TEXT NOT NULL,
//	    status          TEXT NOT NULL DEFAULT 'active',
//	    snapshot_uri    TEXT NOT NULL DEFAULT '',
//	    first_seen      TIMESTAMPTZ NOT NULL,
//	    last_crawled    TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE change_events (
//	    id          TEXT PRIMARY KEY,
//	    book_url    TEXT NOT NULL,
//	    kind        TEXT NOT NULL,
//	    field       TEXT NOT NULL DEFAULT '',
//	    old_value   TEXT NOT NULL DEFAULT '',
//	    new_value   TEXT NOT NULL DEFAULT '',
//	    occurred_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX change_events_occurred_at_idx ON change_events (occurred_at DESC);
//
//	CREATE TABLE crawl_cursor (
//	    singleton  BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
//	    run_id     TEXT NOT NULL,
//	    next_index INTEGER NOT NULL,
//	    last_url   TEXT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bookwatch/internal/catalog"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements catalog.Store on Postgres via pgx.
type Store struct {
	pool dbPool
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const bookColumns = `source_url, name, description, category, price_incl_tax, price_excl_tax, availability, num_reviews, image_url, rating, content_hash, status, snapshot_uri, first_seen, last_crawled`

// GetBookByURL fetches the canonical record for a source URL.
func (s *Store) GetBookByURL(ctx context.Context, url string) (catalog.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE source_url = $1`
	row := s.pool.QueryRow(ctx, query, url)
	book, err := scanBook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Book{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Book{}, fmt.Errorf("select book: %w", markUnavailable(err))
	}
	return book, nil
}

// UpsertBook writes the book row and its change event in one transaction so
// a crash cannot persist one without the other. Connection-class failures
// carry catalog.ErrStoreUnavailable so the caller can abort the whole run
// instead of charging the outage to the item.
func (s *Store) UpsertBook(ctx context.Context, book catalog.Book, event *catalog.ChangeEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", markUnavailable(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
INSERT INTO books (` + bookColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (source_url) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	category = EXCLUDED.category,
	price_incl_tax = EXCLUDED.price_incl_tax,
	price_excl_tax = EXCLUDED.price_excl_tax,
	availability = EXCLUDED.availability,
	num_reviews = EXCLUDED.num_reviews,
	image_url = EXCLUDED.image_url,
	rating = EXCLUDED.rating,
	content_hash = EXCLUDED.content_hash,
	status = EXCLUDED.status,
	snapshot_uri = EXCLUDED.snapshot_uri,
	last_crawled = EXCLUDED.last_crawled`

	if _, err := tx.Exec(ctx, upsert,
		book.SourceURL,
		book.Name,
		book.Description,
		book.Category,
		book.PriceInclTax,
		book.PriceExclTax,
		book.Availability,
		book.NumReviews,
		book.ImageURL,
		string(book.Rating),
		book.ContentHash,
		string(book.Status),
		book.SnapshotURI,
		book.FirstSeen,
		book.LastCrawled,
	); err != nil {
		return fmt.Errorf("upsert book: %w", markUnavailable(err))
	}

	if event != nil {
		insert := `
INSERT INTO change_events (id, book_url, kind, field, old_value, new_value, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
		if _, err := tx.Exec(ctx, insert,
			event.ID,
			event.BookURL,
			string(event.Kind),
			event.Field,
			event.OldValue,
			event.NewValue,
			event.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert change event: %w", markUnavailable(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", markUnavailable(err))
	}
	return nil
}

// MarkMissingRemoved flips active books absent from enumerated to removed
// and appends one removed event each, transactionally. Event IDs reuse the
// book URL suffixed with the reconciliation timestamp so reruns collide on
// the primary key rather than duplicating events.
func (s *Store) MarkMissingRemoved(ctx context.Context, enumerated map[string]struct{}, now time.Time) ([]catalog.ChangeEvent, error) {
	present := make([]string, 0, len(enumerated))
	for url := range enumerated {
		present = append(present, url)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	update := `
UPDATE books SET status = $1
WHERE status = $2 AND NOT (source_url = ANY($3))
RETURNING source_url`
	rows, err := tx.Query(ctx, update, string(catalog.StatusRemoved), string(catalog.StatusActive), present)
	if err != nil {
		return nil, fmt.Errorf("mark removed: %w", err)
	}
	var removed []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan removed url: %w", err)
		}
		removed = append(removed, url)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate removed urls: %w", err)
	}

	events := make([]catalog.ChangeEvent, 0, len(removed))
	for _, url := range removed {
		ev := catalog.ChangeEvent{
			ID:         removalEventID(url, now),
			BookURL:    url,
			Kind:       catalog.ChangeRemoved,
			OldValue:   string(catalog.StatusActive),
			NewValue:   string(catalog.StatusRemoved),
			OccurredAt: now,
		}
		insert := `
INSERT INTO change_events (id, book_url, kind, field, old_value, new_value, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`
		if _, err := tx.Exec(ctx, insert, ev.ID, ev.BookURL, string(ev.Kind), ev.Field, ev.OldValue, ev.NewValue, ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("insert removed event: %w", err)
		}
		events = append(events, ev)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconcile: %w", err)
	}
	return events, nil
}

// ListBooks returns the filtered page plus the pre-pagination total.
func (s *Store) ListBooks(ctx context.Context, filter catalog.BookFilter) ([]catalog.Book, int, error) {
	where, args := buildBookWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM books` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count books: %w", err)
	}

	query := `SELECT ` + bookColumns + ` FROM books` + where + orderClause(filter.SortBy)
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.Limit, (page-1)*filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var books []catalog.Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate books: %w", err)
	}
	return books, total, nil
}

// ListChanges returns change events newest first.
func (s *Store) ListChanges(ctx context.Context, filter catalog.ChangeFilter) ([]catalog.ChangeEvent, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Day != nil {
		start := filter.Day.UTC().Truncate(24 * time.Hour)
		args = append(args, start, start.Add(24*time.Hour))
		conds = append(conds, fmt.Sprintf("occurred_at >= $%d AND occurred_at < $%d", len(args)-1, len(args)))
	}

	query := `SELECT id, book_url, kind, field, old_value, new_value, occurred_at FROM change_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select changes: %w", err)
	}
	defer rows.Close()

	var events []catalog.ChangeEvent
	for rows.Next() {
		var (
			ev   catalog.ChangeEvent
			kind string
		)
		if err := rows.Scan(&ev.ID, &ev.BookURL, &kind, &ev.Field, &ev.OldValue, &ev.NewValue, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ev.Kind = catalog.ChangeKind(kind)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return events, nil
}

// LoadCursor returns the saved resume cursor, zero when none exists.
func (s *Store) LoadCursor(ctx context.Context) (catalog.Cursor, error) {
	query := `SELECT run_id, next_index, last_url, updated_at FROM crawl_cursor WHERE singleton`
	var cur catalog.Cursor
	err := s.pool.QueryRow(ctx, query).Scan(&cur.RunID, &cur.NextIndex, &cur.LastURL, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Cursor{}, nil
	}
	if err != nil {
		return catalog.Cursor{}, fmt.Errorf("select cursor: %w", err)
	}
	return cur, nil
}

// SaveCursor records crawl progress in the singleton cursor row.
func (s *Store) SaveCursor(ctx context.Context, cursor catalog.Cursor) error {
	query := `
INSERT INTO crawl_cursor (singleton, run_id, next_index, last_url, updated_at)
VALUES (TRUE, $1, $2, $3, $4)
ON CONFLICT (singleton) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	next_index = EXCLUDED.next_index,
	last_url = EXCLUDED.last_url,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, cursor.RunID, cursor.NextIndex, cursor.LastURL, cursor.UpdatedAt); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// ClearCursor discards the resume position.
func (s *Store) ClearCursor(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM crawl_cursor WHERE singleton`); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func scanBook(row pgx.Row) (catalog.Book, error) {
	var (
		book   catalog.Book
		rating string
		status string
	)
	err := row.Scan(
		&book.SourceURL,
		&book.Name,
		&book.Description,
		&book.Category,
		&book.PriceInclTax,
		&book.PriceExclTax,
		&book.Availability,
		&book.NumReviews,
		&book.ImageURL,
		&rating,
		&book.ContentHash,
		&status,
		&book.SnapshotURI,
		&book.FirstSeen,
		&book.LastCrawled,
	)
	if err != nil {
		return catalog.Book{}, err
	}
	book.Rating = catalog.Rating(rating)
	book.Status = catalog.BookStatus(status)
	return book, nil
}

func buildBookWhere(filter catalog.BookFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeRemoved {
		args = append(args, string(catalog.StatusActive))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, fmt.Sprintf("LOWER(category) = LOWER($%d)", len(args)))
	}
	if filter.Rating != "" {
		args = append(args, string(filter.Rating))
		conds = append(conds, fmt.Sprintf("rating = $%d", len(args)))
	}
	if filter.MinPrice != nil {
		args = append(args, *filter.MinPrice)
		conds = append(conds, fmt.Sprintf("price_incl_tax >= $%d", len(args)))
	}
	if filter.MaxPrice != nil {
		args = append(args, *filter.MaxPrice)
		conds = append(conds, fmt.Sprintf("price_incl_tax <= $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderClause maps the filter's sort key to a fixed ORDER BY; keys outside
// the fixed vocabulary fall back to name so no caller input reaches SQL.
func orderClause(sortBy string) string {
	switch sortBy {
	case "rating":
		return ` ORDER BY CASE rating
	WHEN 'Five' THEN 5 WHEN 'Four' THEN 4 WHEN 'Three' THEN 3
	WHEN 'Two' THEN 2 WHEN 'One' THEN 1 ELSE 0 END DESC, name ASC`
	case "price":
		return " ORDER BY price_incl_tax DESC, name ASC"
	case "reviews":
		return " ORDER BY num_reviews DESC, name ASC"
	default:
		return " ORDER BY name ASC"
	}
}

func removalEventID(url string, now time.Time) string {
	return fmt.Sprintf("removed:%s:%d", url, now.UTC().Unix())
}

// markUnavailable tags connection-class failures with
// catalog.ErrStoreUnavailable so callers can distinguish a dead database
// from a statement-level failure. Statement errors pass through unchanged.
func markUnavailable(err error) error {
	if err == nil || !connectionError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", catalog.ErrStoreUnavailable, err)
}

func connectionError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, class 57 covers operator
		// intervention such as admin or crash shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	return false
}
