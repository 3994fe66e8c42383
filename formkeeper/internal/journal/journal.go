// CLAUDE:SUMMARY Restore journal: buffered async SQLite log of restore attempts with per-page history queries and retention cleanup.
// Package journal records the outcome of every restore attempt in SQLite.
// Entries are queued and written in batches; History flushes the queue
// before reading so callers see their own attempts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/formsafe/dbopen"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/idgen"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS restore_journal (
    entry_id    TEXT PRIMARY KEY,
    at          INTEGER NOT NULL,
    page_id     TEXT NOT NULL,
    page        TEXT NOT NULL,
    restore_id  TEXT NOT NULL DEFAULT '',
    ok          INTEGER NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    applied     INTEGER NOT NULL DEFAULT 0,
    missing     INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_restore_journal_page ON restore_journal(page_id, at DESC);
`

const (
	defaultBuffer   = 256
	batchSize       = 64
	defaultInterval = 2 * time.Second
	defaultLimit    = 50
)

// Entry is one restore attempt.
type Entry struct {
	EntryID    string        `json:"entry_id"`
	At         time.Time     `json:"at"`
	PageID     string        `json:"page_id"`
	Page       field.PageKey `json:"page"`
	RestoreID  string        `json:"restore_id,omitempty"`
	OK         bool          `json:"ok"`
	Reason     string        `json:"reason,omitempty"`
	Applied    int           `json:"applied"`
	Missing    int           `json:"missing,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Options configures a Journal.
type Options struct {
	Buffer        int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Journal persists entries asynchronously.
type Journal struct {
	db     *sql.DB
	owned  bool
	newID  idgen.Generator
	logger *slog.Logger

	ch      chan Entry
	flushRq chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Open opens (or creates) the journal database at path and deletes entries
// older than retention when retention is positive.
func Open(path string, retention time.Duration, opts Options) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	j := start(db, opts)
	j.owned = true
	if retention > 0 {
		n, err := j.Cleanup(context.Background(), retention)
		if err != nil {
			j.Close()
			return nil, err
		}
		if n > 0 {
			j.logger.Info("journal: expired entries removed", "count", n)
		}
	}
	return j, nil
}

// New starts a journal over an already open database and creates its table.
// Close leaves db open.
func New(db *sql.DB, opts Options) (*Journal, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return start(db, opts), nil
}

func start(db *sql.DB, opts Options) *Journal {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	j := &Journal{
		db:      db,
		newID:   idgen.Prefixed("jrn_", idgen.UUIDv7()),
		logger:  opts.Logger,
		ch:      make(chan Entry, opts.Buffer),
		flushRq: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.loop(opts.FlushInterval)
	return j
}

// Record queues e. When the queue is full the entry is written inline.
func (j *Journal) Record(e Entry) {
	j.fillDefaults(&e)
	select {
	case j.ch <- e:
	default:
		j.logger.Warn("journal: buffer full, sync fallback", "page_id", e.PageID)
		if err := j.insert(context.Background(), []Entry{e}); err != nil {
			j.logger.Error("journal: sync fallback failed", "error", err)
		}
	}
}

// History returns the latest entries of pageID, newest first. An empty
// pageID returns entries of every page. limit <= 0 means 50.
func (j *Journal) History(ctx context.Context, pageID string, limit int) ([]Entry, error) {
	if err := j.flush(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	q := `SELECT entry_id, at, page_id, page, restore_id, ok, reason, applied, missing, duration_ms
		FROM restore_journal`
	var args []any
	if pageID != "" {
		q += ` WHERE page_id = ?`
		args = append(args, pageID)
	}
	q += ` ORDER BY at DESC, entry_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: history: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			at   int64
			ok   int
			page string
		)
		if err := rows.Scan(&e.EntryID, &at, &e.PageID, &page, &e.RestoreID, &ok, &e.Reason, &e.Applied, &e.Missing, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("journal: history: %w", err)
		}
		e.At = time.UnixMilli(at).UTC()
		e.OK = ok != 0
		e.Page = field.PageKey(page)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than maxAge.
func (j *Journal) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).UnixMilli()
	res, err := j.db.ExecContext(ctx, `DELETE FROM restore_journal WHERE at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the writer. The database is closed only
// when Open created it.
func (j *Journal) Close() error {
	select {
	case <-j.stop:
		return nil
	default:
	}
	close(j.stop)
	<-j.done
	if j.owned {
		return j.db.Close()
	}
	return nil
}

// flush asks the writer to persist everything queued so far.
func (j *Journal) flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case j.flushRq <- ack:
	case <-j.done:
		return fmt.Errorf("journal: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = j.newID()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

func (j *Journal) loop(interval time.Duration) {
	defer close(j.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	batch := make([]Entry, 0, batchSize)

	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.insert(ctx, batch); err != nil {
			j.logger.Error("journal: write batch", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-j.ch:
				batch = append(batch, e)
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case <-j.stop:
			drain()
			return
		case ack := <-j.flushRq:
			drain()
			close(ack)
		case e := <-j.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				write()
			}
		case <-ticker.C:
			write()
		}
	}
}

func (j *Journal) insert(ctx context.Context, entries []Entry) error {
	return dbopen.RunTx(ctx, j.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO restore_journal
			(entry_id, at, page_id, page, restore_id, ok, reason, applied, missing, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			ok := 0
			if e.OK {
				ok = 1
			}
			if _, err := stmt.ExecContext(ctx,
				e.EntryID, e.At.UnixMilli(), e.PageID, string(e.Page), e.RestoreID,
				ok, e.Reason, e.Applied, e.Missing, e.DurationMs,
			); err != nil {
				return fmt.Errorf("insert %s: %w", e.EntryID, err)
			}
		}
		return nil
	})
}
