package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/annotrack/pkg/types"
)

// SQLiteStore is durable storage: a key/value table for the recorder
// and the activities table for the collector.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			session TEXT NOT NULL,
			sequence_id INTEGER NOT NULL,
			epochms REAL NOT NULL,
			activity TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			PRIMARY KEY(session, sequence_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_activity ON activities(activity);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv(key,value,updated_at) VALUES(?,?,?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

func (s *SQLiteStore) SaveActivities(entries []types.LogEntry) (types.Ack, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO activities(session,sequence_id,epochms,activity,payload,received_at) VALUES(?,?,?,?,?,?)
	ON CONFLICT(session,sequence_id) DO NOTHING`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ack := types.Ack{}
	seen := make(map[string]map[int64]struct{})
	for _, e := range entries {
		payload, err := e.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode activity %s/%d: %w", e.Session, e.SequenceID, err)
		}
		if _, err := stmt.Exec(e.Session, e.SequenceID, e.EpochMS, e.Activity, string(payload), now); err != nil {
			return nil, err
		}
		if seen[e.Session] == nil {
			seen[e.Session] = make(map[int64]struct{})
		}
		if _, dup := seen[e.Session][e.SequenceID]; dup {
			continue
		}
		seen[e.Session][e.SequenceID] = struct{}{}
		ack[e.Session] = append(ack[e.Session], e.SequenceID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for session := range ack {
		ids := ack[session]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return ack, nil
}

func (s *SQLiteStore) HasActivity(session string, sequenceID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activities WHERE session=? AND sequence_id=?`, session, sequenceID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}
