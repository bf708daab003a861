package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"watchbot/internal/subscription"
	logx "watchbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore[ID comparable] struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite[ID comparable](cfg Config, log logx.Logger) (Store[ID], error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore[ID]{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore[ID]) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore[ID]) Get(ctx context.Context, id ID) (subscription.Subscriber[ID], error) {
	var zero subscription.Subscriber[ID]
	if s.closed.Load() {
		return zero, ErrClosed
	}
	key, err := clientKey(id)
	if err != nil {
		return zero, err
	}
	var data string
	err = s.db.QueryRowContext(ctx, `SELECT data FROM subscribers WHERE client_key = ?`, key).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sub := subscription.New(id)
		b, err := json.Marshal(sub)
		if err != nil {
			return zero, err
		}
		now := nowText()
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO subscribers(client_key, data, created_at, updated_at) VALUES(?,?,?,?)
			 ON CONFLICT(client_key) DO NOTHING`,
			key, string(b), now, now,
		); err != nil {
			return zero, err
		}
		return sub, nil
	case err != nil:
		return zero, err
	}
	return decodeSubscriber[ID](data)
}

func (s *sqliteStore[ID]) Save(ctx context.Context, sub subscription.Subscriber[ID]) error {
	if s.closed.Load() {
		return ErrClosed
	}
	key, err := clientKey(sub.ID)
	if err != nil {
		return err
	}
	sub.Normalize()
	b, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	now := nowText()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(client_key, data, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(client_key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		key, string(b), now, now,
	)
	return err
}

func (s *sqliteStore[ID]) List(ctx context.Context) ([]subscription.Subscriber[ID], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM subscribers ORDER BY created_at, client_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []subscription.Subscriber[ID]{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sub, err := decodeSubscriber[ID](data)
		if err != nil {
			s.log.Warn("skipping undecodable subscriber row", logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore[ID]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func decodeSubscriber[ID comparable](data string) (subscription.Subscriber[ID], error) {
	var sub subscription.Subscriber[ID]
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return sub, fmt.Errorf("decode subscriber: %w", err)
	}
	sub.Normalize()
	return sub, nil
}

func nowText() string { return time.Now().UTC().Format(time.RFC3339Nano) }
