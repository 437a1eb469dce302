// Package memory is the key/value memory collaborator backed by SQLite.
// Entries are append-only; the same key may hold many entries over time.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxValueBytes = 1 << 20
	DefaultSearchLimit   = 100
)

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Entry struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows Search. Zero fields are ignored.
type Filter struct {
	Key       string
	KeyPrefix string
	Since     time.Time
	Limit     int
}

type Store struct {
	db       *sql.DB
	maxBytes int
	now      func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxValueBytes,
		now:      time.Now,
	}
}

// Store records value under key with optional metadata.
func (s *Store) Store(ctx context.Context, key string, value any, metadata map[string]any) (Entry, error) {
	if strings.TrimSpace(key) == "" {
		return Entry{}, errors.New("memory key is empty")
	}

	val, err := json.Marshal(value)
	if err != nil {
		return Entry{}, fmt.Errorf("encode memory value: %w", err)
	}
	if len(val) > s.maxBytes {
		return Entry{}, fmt.Errorf("memory value exceeds max size (%d bytes)", s.maxBytes)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode memory metadata: %w", err)
	}

	e := Entry{
		ID:        uuid.NewString(),
		Key:       key,
		Value:     val,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_entries(id, key, value, metadata, created_at) VALUES(?, ?, ?, ?, ?);`,
		e.ID, e.Key, string(val), string(meta), e.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert memory entry: %w", err)
	}
	return e, nil
}

// Append is Store without metadata, the shape handed to composite handlers.
func (s *Store) Append(ctx context.Context, key string, value any) error {
	_, err := s.Store(ctx, key, value, map[string]any{"source": "append"})
	return err
}

// Search returns matching entries, newest first.
func (s *Store) Search(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Key != "" {
		where = append(where, "key = ?")
		args = append(args, f.Key)
	}
	if f.KeyPrefix != "" {
		where = append(where, "substr(key, 1, ?) = ?")
		args = append(args, len(f.KeyPrefix), f.KeyPrefix)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := "SELECT id, key, value, metadata, created_at FROM memory_entries"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			val, meta, stamp string
		)
		if err := rows.Scan(&e.ID, &e.Key, &val, &meta, &stamp); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		e.Value = json.RawMessage(val)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = time.Parse(timeLayout, stamp); err != nil {
			return nil, fmt.Errorf("decode created_at for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneBefore deletes entries created before cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE created_at < ?;`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune memory: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory: %w", err)
	}
	return n, nil
}
