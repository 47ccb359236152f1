// Package store persists Documents and Chapters (and the Task Supervisor's
// durable task rows) to PostgreSQL via a pooled, pre-pinged connection
// pool. All writes are idempotent on their natural keys so repeated runs of
// the same crawl never duplicate rows.
package store

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelweb/novelforge/internal/logger"
)

// Document is a persisted long-form work.
type Document struct {
	ID            uuid.UUID `json:"id"`
	SourceURL     string    `json:"source_url"`
	SiteName      string    `json:"site_name"`
	Title         string    `json:"title"`
	Author        string    `json:"author,omitempty"`
	CoverURL      string    `json:"cover_url,omitempty"`
	TotalChapters int       `json:"total_chapters"`
	TotalWords    int       `json:"total_words"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Chapter is a persisted ordered section of a Document.
type Chapter struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChapterNum int       `json:"chapter_num"`
	Title      string    `json:"title"`
	Content    string    `json:"content,omitempty"`
	SourceURL  string    `json:"source_url"`
	WordCount  int       `json:"word_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the Document/Chapter persistence contract the crawler writes
// through.
type Store interface {
	UpsertDocument(ctx context.Context, doc Document) (uuid.UUID, error)
	UpsertChapter(ctx context.Context, documentID uuid.UUID, chapterNum int, title, content, sourceURL string) (uuid.UUID, error)
	RecomputeDocumentStats(ctx context.Context, documentID uuid.UUID) error
	DeleteIncompleteChapters(ctx context.Context, documentID uuid.UUID, keepChapterNums []int) error
	GetDocumentBySourceURL(ctx context.Context, sourceURL string) (Document, error)
	ListChapters(ctx context.Context, documentID uuid.UUID) ([]Chapter, error)
}

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config tunes the connection pool, mirroring the pooled-client shape used
// throughout the engine's other external-service clients.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// DefaultConfig returns production-sane pool tuning.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:               dsn,
		MaxConns:          25,
		MinConns:          5,
		MaxConnLifetime:   60 * time.Minute,
		MaxConnIdleTime:   10 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    5 * time.Second,
	}
}

// Open builds a pgxpool-backed PostgresStore whose pool pings each
// connection before handing it out, verifies connectivity with a ping, and
// applies pending schema migrations.
func Open(ctx context.Context, cfg Config) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	logger.InfoContext(ctx, "store pool ready", "max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// UpsertDocument inserts a new Document keyed on SourceURL, or returns the
// existing id, updating mutable fields in place.
func (s *PostgresStore) UpsertDocument(ctx context.Context, doc Document) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.retry(ctx, func() error {
		now := time.Now().UTC()
		if doc.ID == uuid.Nil {
			doc.ID = uuid.New()
		}
		return s.pool.QueryRow(ctx, `
			INSERT INTO documents (id, source_url, site_name, title, author, cover_url, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (source_url) DO UPDATE SET
				title = EXCLUDED.title,
				author = EXCLUDED.author,
				cover_url = EXCLUDED.cover_url,
				updated_at = EXCLUDED.updated_at
			RETURNING id
		`, doc.ID, doc.SourceURL, doc.SiteName, doc.Title, doc.Author, doc.CoverURL, now).Scan(&id)
	})
	return id, wrapErr(err, "upsert document")
}

// UpsertChapter inserts or updates a Chapter uniquely keyed on
// (documentID, chapterNum).
func (s *PostgresStore) UpsertChapter(ctx context.Context, documentID uuid.UUID, chapterNum int, title, content, sourceURL string) (uuid.UUID, error) {
	var id uuid.UUID
	wordCount := utf8.RuneCountInString(content)
	err := s.retry(ctx, func() error {
		return s.pool.QueryRow(ctx, `
			INSERT INTO chapters (id, document_id, chapter_num, title, content, source_url, word_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (document_id, chapter_num) DO UPDATE SET
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				source_url = EXCLUDED.source_url,
				word_count = EXCLUDED.word_count
			RETURNING id
		`, uuid.New(), documentID, chapterNum, title, content, sourceURL, wordCount, time.Now().UTC()).Scan(&id)
	})
	return id, wrapErr(err, "upsert chapter")
}

// RecomputeDocumentStats sets total_chapters/total_words from the current
// chapter rows.
func (s *PostgresStore) RecomputeDocumentStats(ctx context.Context, documentID uuid.UUID) error {
	err := s.retry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE documents SET
				total_chapters = agg.cnt,
				total_words = agg.words,
				updated_at = $2
			FROM (
				SELECT count(*) AS cnt, coalesce(sum(word_count), 0) AS words
				FROM chapters WHERE document_id = $1
			) AS agg
			WHERE documents.id = $1
		`, documentID, time.Now().UTC())
		return err
	})
	return wrapErr(err, "recompute document stats")
}

// DeleteIncompleteChapters removes chapters of documentID whose chapter_num
// is not in keepChapterNums, used by the Task Supervisor's DeleteTask
// cascade.
func (s *PostgresStore) DeleteIncompleteChapters(ctx context.Context, documentID uuid.UUID, keepChapterNums []int) error {
	err := s.retry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM chapters WHERE document_id = $1 AND NOT (chapter_num = ANY($2))
		`, documentID, keepChapterNums)
		return err
	})
	return wrapErr(err, "delete incomplete chapters")
}

// GetDocumentBySourceURL looks up a Document by its natural key.
func (s *PostgresStore) GetDocumentBySourceURL(ctx context.Context, sourceURL string) (Document, error) {
	var d Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_url, site_name, title, author, cover_url, total_chapters, total_words, created_at, updated_at
		FROM documents WHERE source_url = $1
	`, sourceURL).Scan(&d.ID, &d.SourceURL, &d.SiteName, &d.Title, &d.Author, &d.CoverURL,
		&d.TotalChapters, &d.TotalWords, &d.CreatedAt, &d.UpdatedAt)
	return d, wrapErr(err, "get document")
}

// ListChapters returns every chapter of a document, ordered by chapter_num.
func (s *PostgresStore) ListChapters(ctx context.Context, documentID uuid.UUID) ([]Chapter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chapter_num, title, content, source_url, word_count, created_at
		FROM chapters WHERE document_id = $1 ORDER BY chapter_num
	`, documentID)
	if err != nil {
		return nil, wrapErr(err, "list chapters")
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChapterNum, &c.Title, &c.Content,
			&c.SourceURL, &c.WordCount, &c.CreatedAt); err != nil {
			return nil, wrapErr(err, "scan chapter")
		}
		out = append(out, c)
	}
	return out, wrapErr(rows.Err(), "list chapters")
}

// retry wraps a write in a small exponential backoff to tolerate a
// transient connection loss, mirroring the engine's other retrying clients.
func (s *PostgresStore) retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func wrapErr(err error, action string) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return fmt.Errorf("store: %s: not found", action)
	}
	return fmt.Errorf("store: %s: %w", action, err)
}
