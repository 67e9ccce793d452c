package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// SQLStore keeps the clickstream in SQLite or PostgreSQL.
type SQLStore struct {
	db         *sql.DB
	dialect    dialect
	writeMutex *sync.Mutex
}

// Open picks the backend from the DSN: postgres:// and postgresql:// URLs
// open PostgreSQL, anything else is a SQLite file name. "memory" and ""
// open a shared in-memory SQLite database.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
}

// NewSQLiteStore opens the SQLite database in filename, creating the schema if needed.
func NewSQLiteStore(filename string) (*SQLStore, error) {
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite store")
	}
	s := &SQLStore{db: db, dialect: sqliteDialect, writeMutex: &sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}
	return s, nil
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres store")
	}
	s := &SQLStore{db: db, dialect: postgresDialect, writeMutex: &sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == postgresDialect {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS visits (
			id ` + id + `,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL,
			ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS visits_ts_idx ON visits (ts)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			context TEXT NOT NULL,
			routes TEXT NOT NULL,
			source TEXT NOT NULL,
			latency_us BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS predictions_created_idx ON predictions (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "failed to migrate store")
		}
	}
	return nil
}

func (s *SQLStore) SaveVisit(ctx context.Context, v Visit) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (session_id, user_id, route, ts) VALUES (`+s.placeholders(4)+`)`,
		v.SessionID, v.UserID, v.Route, v.Timestamp.UnixMilli())
	return errors.Wrap(err, "failed to save visit")
}

func (s *SQLStore) SavePrediction(ctx context.Context, p Prediction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	contextJSON, err := json.Marshal(nonNil(p.Context))
	if err != nil {
		return err
	}
	routesJSON, err := json.Marshal(nonNil(p.Routes))
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, session_id, context, routes, source, latency_us, created_at) VALUES (`+s.placeholders(7)+`)`,
		p.ID, p.SessionID, string(contextJSON), string(routesJSON), p.Source, p.Latency.Microseconds(), p.CreatedAt.UnixMilli())
	return errors.Wrap(err, "failed to save prediction")
}

func (s *SQLStore) Visits(ctx context.Context, since time.Time, cb func(Visit) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, route, ts FROM visits WHERE ts >= `+s.placeholder(1)+` ORDER BY session_id, ts, id`,
		since.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "failed to query visits")
	}
	defer rows.Close()
	for rows.Next() {
		var v Visit
		var ts int64
		if err := rows.Scan(&v.SessionID, &v.UserID, &v.Route, &ts); err != nil {
			return errors.Wrap(err, "failed to scan visit")
		}
		v.Timestamp = time.UnixMilli(ts)
		if err := cb(v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Predictions returns the most recent predictions, newest first.
func (s *SQLStore) Predictions(ctx context.Context, limit int) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, context, routes, source, latency_us, created_at FROM predictions ORDER BY created_at DESC LIMIT `+s.placeholder(1),
		limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query predictions")
	}
	defer rows.Close()
	predictions := make([]Prediction, 0)
	for rows.Next() {
		var p Prediction
		var contextJSON, routesJSON string
		var latency, created int64
		if err := rows.Scan(&p.ID, &p.SessionID, &contextJSON, &routesJSON, &p.Source, &latency, &created); err != nil {
			return predictions, errors.Wrap(err, "failed to scan prediction")
		}
		json.Unmarshal([]byte(contextJSON), &p.Context)
		json.Unmarshal([]byte(routesJSON), &p.Routes)
		p.Latency = time.Duration(latency) * time.Microsecond
		p.CreatedAt = time.UnixMilli(created)
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == postgresDialect {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) placeholders(count int) string {
	ps := make([]string, count)
	for i := range ps {
		ps[i] = s.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

func nonNil(routes []string) []string {
	if routes == nil {
		return []string{}
	}
	return routes
}
