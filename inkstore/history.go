package inkstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/inkstore/migrations"
)

var ErrEntryNotFound = errors.New("history entry not found")

// Entry describes one quick save without its document.
type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Layers    int       `json:"layers"`
	Strokes   int       `json:"strokes"`
}

// History keeps quick saves in a SQLite database, newest first.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *History) Save(ctx context.Context, snap ink.Snapshot) (Entry, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return Entry{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("history id: %w", err)
	}
	e := Entry{
		ID:        id.String(),
		CreatedAt: time.Now().UTC(),
		Layers:    len(snap.Layers),
		Strokes:   snap.StrokeCount(),
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO ink_history (id, created_at, layers, strokes, document) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UnixNano(), e.Layers, e.Strokes, buf.Bytes(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert history entry: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. A limit <= 0 lists all.
func (h *History) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, created_at, layers, strokes FROM ink_history
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &created, &e.Layers, &e.Strokes); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

func (h *History) Load(ctx context.Context, id string) (ink.Snapshot, error) {
	var doc []byte
	err := h.db.QueryRowContext(ctx, `SELECT document FROM ink_history WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ink.Snapshot{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return ink.Snapshot{}, fmt.Errorf("load history entry: %w", err)
	}
	return Decode(bytes.NewReader(doc))
}

// Prune deletes all but the newest keep entries and reports how many went.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM ink_history WHERE id NOT IN (
		   SELECT id FROM ink_history ORDER BY created_at DESC, rowid DESC LIMIT ?
		 )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return n, nil
}
