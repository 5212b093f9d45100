package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"terrainstream/internal/streamer"
	"terrainstream/internal/world"
)

const (
	queueCapacity = 8192
	commitEvery   = 500
	commitMaxWait = time.Second
)

// Index keeps a queryable copy of chunk lifecycle events in SQLite. Events
// are queued and written by a single goroutine in batched transactions.
type Index struct {
	db     *sql.DB
	logger *logrus.Entry

	// mu orders queue sends against Close so nothing sends on a closed channel.
	mu     sync.RWMutex
	closed bool
	ch     chan request
	wg     sync.WaitGroup

	dropped atomic.Uint64
	written atomic.Uint64
}

type request struct {
	event   streamer.Event
	flushed chan struct{}
}

// Stats summarises the index contents and writer queue.
type Stats struct {
	Counts        map[streamer.EventKind]int64 `json:"counts"`
	Written       uint64                       `json:"written"`
	Dropped       uint64                       `json:"dropped"`
	QueueDepth    int                          `json:"queueDepth"`
	QueueCapacity int                          `json:"queueCapacity"`
}

func Open(path string, logger *logrus.Entry) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx := &Index{
		db:     db,
		logger: logger,
		ch:     make(chan request, queueCapacity),
	}
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.loop()
	}()
	return idx, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			cycle INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			error TEXT,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_coord ON events(cx, cz, id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// HandleEvent queues ev for the writer. It never blocks; when the queue is
// full the event is dropped and counted.
func (idx *Index) HandleEvent(ev streamer.Event) {
	if idx == nil {
		return
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.closed {
		return
	}
	select {
	case idx.ch <- request{event: ev}:
	default:
		idx.dropped.Add(1)
	}
}

// Flush waits until every event queued before the call is committed.
func (idx *Index) Flush(ctx context.Context) error {
	done := make(chan struct{})
	idx.mu.RLock()
	if idx.closed {
		idx.mu.RUnlock()
		return fmt.Errorf("index closed")
	}
	select {
	case idx.ch <- request{flushed: done}:
		idx.mu.RUnlock()
	case <-ctx.Done():
		idx.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil
	}
	idx.closed = true
	close(idx.ch)
	idx.mu.Unlock()

	idx.wg.Wait()
	return idx.db.Close()
}

func (idx *Index) loop() {
	ctx := context.Background()
	insert, err := idx.db.Prepare(`INSERT INTO events(kind,cx,cz,cycle,duration_ns,error,at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		idx.logger.WithError(err).Error("prepare event insert")
		for r := range idx.ch {
			if r.flushed != nil {
				close(r.flushed)
			}
		}
		return
	}
	defer insert.Close()

	var (
		tx      *sql.Tx
		pending int
	)
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			idx.logger.WithError(err).Warn("commit lifecycle events")
		} else {
			idx.written.Add(uint64(pending))
		}
		tx = nil
		pending = 0
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			commit()
		case r, ok := <-idx.ch:
			if !ok {
				commit()
				return
			}
			if r.flushed != nil {
				commit()
				close(r.flushed)
				continue
			}
			if tx == nil {
				tx, err = idx.db.BeginTx(ctx, nil)
				if err != nil {
					idx.logger.WithError(err).Warn("begin lifecycle transaction")
					idx.dropped.Add(1)
					tx = nil
					continue
				}
			}
			ev := r.event
			at := ev.Time
			if at.IsZero() {
				at = time.Now()
			}
			var errText sql.NullString
			if ev.Err != "" {
				errText = sql.NullString{String: ev.Err, Valid: true}
			}
			if _, err := tx.Stmt(insert).Exec(string(ev.Kind), ev.Coord.X, ev.Coord.Z, int64(ev.Cycle), int64(ev.Duration), errText, at.UTC().Format(time.RFC3339Nano)); err != nil {
				idx.logger.WithError(err).Warn("insert lifecycle event")
				_ = tx.Rollback()
				idx.dropped.Add(uint64(pending + 1))
				tx = nil
				pending = 0
				continue
			}
			pending++
			if pending >= commitEvery {
				commit()
			}
		}
	}
}

func (idx *Index) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Counts:        make(map[streamer.EventKind]int64),
		Written:       idx.written.Load(),
		Dropped:       idx.dropped.Load(),
		QueueDepth:    len(idx.ch),
		QueueCapacity: cap(idx.ch),
	}
	rows, err := idx.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return st, err
		}
		st.Counts[streamer.EventKind(kind)] = n
	}
	return st, rows.Err()
}

// Recent returns the newest events first.
func (idx *Index) Recent(ctx context.Context, limit int) ([]streamer.Event, error) {
	return idx.query(ctx, `SELECT kind,cx,cz,cycle,duration_ns,error,at FROM events ORDER BY id DESC LIMIT ?`, clampLimit(limit))
}

// ChunkHistory returns the newest events for one chunk first.
func (idx *Index) ChunkHistory(ctx context.Context, coord world.ChunkCoord, limit int) ([]streamer.Event, error) {
	return idx.query(ctx, `SELECT kind,cx,cz,cycle,duration_ns,error,at FROM events WHERE cx = ? AND cz = ? ORDER BY id DESC LIMIT ?`, coord.X, coord.Z, clampLimit(limit))
}

func (idx *Index) query(ctx context.Context, q string, args ...any) ([]streamer.Event, error) {
	rows, err := idx.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []streamer.Event
	for rows.Next() {
		var (
			ev       streamer.Event
			kind     string
			cycle    int64
			duration int64
			errText  sql.NullString
			at       string
		)
		if err := rows.Scan(&kind, &ev.Coord.X, &ev.Coord.Z, &cycle, &duration, &errText, &at); err != nil {
			return nil, err
		}
		ev.Kind = streamer.EventKind(kind)
		ev.Cycle = uint64(cycle)
		ev.Duration = time.Duration(duration)
		ev.Err = errText.String
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			ev.Time = t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
