package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"brancher-go/internal/config"
)

// Message is one telemetry payload as received from the broker.
type Message struct {
	ID         int64  `json:"id"`
	Topic      string `json:"topic"`
	Payload    string `json:"payload"`
	ReceivedTS int64  `json:"received_ts"`
}

// SQLite keeps the flat configuration in the settings table and an append
// only log of received telemetry in the messages table.
type SQLite struct {
	db        *sql.DB
	retention int
}

// OpenSQLite opens (creating if needed) the database at path. retention is
// the number of messages kept; zero keeps everything.
func OpenSQLite(path string, retention int) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// a single connection keeps the pragmas below in effect for every query
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_received_ts ON messages(received_ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &SQLite{db: db, retention: retention}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load returns every settings row.
func (s *SQLite) Load(ctx context.Context) (config.Flat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT k, v FROM settings;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flat := make(config.Flat)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		flat[k] = v
	}
	return flat, rows.Err()
}

// Replace swaps the settings table contents in one transaction.
func (s *SQLite) Replace(ctx context.Context, flat config.Flat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM settings;`); err != nil {
		tx.Rollback()
		return err
	}
	for k, v := range flat {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(k, v) VALUES(?, ?);`, k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("write %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// RecordMessage appends a telemetry payload and prunes past the retention.
func (s *SQLite) RecordMessage(topic string, payload []byte, receivedAt time.Time) error {
	if _, err := s.db.Exec(`INSERT INTO messages(topic, payload, received_ts) VALUES(?, ?, ?);`,
		topic, string(payload), receivedAt.Unix()); err != nil {
		return err
	}
	if s.retention <= 0 {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE id <= (SELECT MAX(id) FROM messages) - ?;`, s.retention)
	return err
}

// FetchRecentMessages returns up to limit messages, newest first.
func (s *SQLite) FetchRecentMessages(limit int) ([]Message, error) {
	rows, err := s.db.Query(`SELECT id, topic, payload, received_ts FROM messages ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.ReceivedTS); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// FetchMessageTimesInRange returns receive timestamps in [start, end).
func (s *SQLite) FetchMessageTimesInRange(start, end time.Time) ([]int64, error) {
	rows, err := s.db.Query(`SELECT received_ts FROM messages WHERE received_ts >= ? AND received_ts < ? ORDER BY received_ts ASC;`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ts []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		ts = append(ts, v)
	}
	return ts, rows.Err()
}
