package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juanpablocruz/blesync/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite persists the index and payloads in one WAL-mode database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		event_id   TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, event_id);

	CREATE TABLE IF NOT EXISTS records (
		event_id   TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		body       BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Exists(ctx context.Context, id model.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE event_id = ?`, id.String(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id.Short(), err)
	}
	return n > 0, nil
}

func (s *SQLite) Insert(ctx context.Context, rec *model.Record) (bool, error) {
	var inserted bool
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO events (event_id, created_at) VALUES (?, ?)
			 ON CONFLICT(event_id) DO NOTHING`,
			rec.ID.String(), rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", rec.ID.Short(), err)
	}
	return inserted, nil
}

func (s *SQLite) AllIDs(ctx context.Context) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, created_at FROM events ORDER BY created_at, event_id`)
	if err != nil {
		return nil, fmt.Errorf("all ids: %w", err)
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var (
			hexID string
			ts    int64
		)
		if err := rows.Scan(&hexID, &ts); err != nil {
			return nil, err
		}
		id, err := model.ParseID(hexID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Item{Timestamp: uint64(ts), ID: id})
	}
	return out, rows.Err()
}

// ClearAll drops the index. Payloads stay fetchable.
func (s *SQLite) ClearAll(ctx context.Context) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM events`)
		return err
	})
}

func (s *SQLite) Fetch(ctx context.Context, id model.ID) (*model.Record, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM records WHERE event_id = ?`, id.String(),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id.Short(), err)
	}
	return model.UnmarshalRecord(body)
}

func (s *SQLite) Publish(ctx context.Context, rec *model.Record) error {
	body, err := rec.Marshal()
	if err != nil {
		return err
	}
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (event_id, created_at, body) VALUES (?, ?, ?)
			 ON CONFLICT(event_id) DO NOTHING`,
			rec.ID.String(), rec.CreatedAt, body,
		)
		return err
	})
}
