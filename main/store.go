package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

const defaultStorePath = "~/.remotevnc/sessions.db"

// SessionRecord is one run as remembered on this workstation.
type SessionRecord struct {
	ID         int64
	JobName    string
	RemoteHost string
	RemoteUser string
	JobID      string
	Node       string
	Screen     string
	Launched   bool
	Polls      int
	Outcome    string
	Error      string
	Settings   string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// sessionStore keeps a local history of runs in SQLite.
type sessionStore struct {
	db *sql.DB
}

func openStore(path string) (*sessionStore, error) {
	abs, err := expandLocalPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", abs)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &sessionStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const createSessions = `
CREATE TABLE IF NOT EXISTS sessions (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  job_name    TEXT,
  remote_host TEXT,
  remote_user TEXT,
  job_id      TEXT,
  node        TEXT,
  screen      TEXT,
  launched    INTEGER,
  outcome     TEXT,
  settings    TEXT,
  created_at  TEXT,
  finished_at TEXT
);`
	if _, err := db.Exec(createSessions); err != nil {
		return err
	}
	migrations := []string{
		`ALTER TABLE sessions ADD COLUMN polls INTEGER`,
		`ALTER TABLE sessions ADD COLUMN error TEXT`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return err
		}
	}
	return nil
}

// Begin records the start of a run and returns its row id.
func (s *sessionStore) Begin(id Identity, settings Settings, now time.Time) (int64, error) {
	snapshot, err := json.Marshal(settings)
	if err != nil {
		return 0, errors.Wrap(err, "marshal settings snapshot")
	}
	res, err := s.db.Exec(
		`INSERT INTO sessions (job_name, remote_host, remote_user, job_id, node, screen, launched, outcome,
                               settings, created_at, finished_at, polls, error)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.JobName(), id.Host, id.User, "", "", "", 0, "STARTED",
		string(snapshot), now.UTC().Format(time.RFC3339), "", 0, "",
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert session")
	}
	return res.LastInsertId()
}

// Finish stores how the run identified by rowID ended.
func (s *sessionStore) Finish(rowID int64, res Result, runErr error, now time.Time) error {
	outcome := res.Outcome.String()
	errText := ""
	if runErr != nil {
		outcome = "FAILED"
		errText = runErr.Error()
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET job_id = ?, node = ?, screen = ?, launched = ?, polls = ?, outcome = ?, error = ?,
                             finished_at = ?
         WHERE id = ?`,
		res.JobID, res.Job.Node, res.Display.Screen, boolToInt(res.Launched), res.Polls, outcome, errText,
		now.UTC().Format(time.RFC3339), rowID,
	)
	return errors.Wrap(err, "update session")
}

// Recent returns up to limit sessions, newest first.
func (s *sessionStore) Recent(limit int) ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, job_name, remote_host, remote_user, job_id, node, screen, launched, polls, outcome, error,
                settings, created_at, finished_at
         FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var launched, polls sql.NullInt64
		var errText, created, finished sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobName, &rec.RemoteHost, &rec.RemoteUser, &rec.JobID, &rec.Node,
			&rec.Screen, &launched, &polls, &rec.Outcome, &errText, &rec.Settings, &created, &finished); err != nil {
			return nil, err
		}
		rec.Launched = launched.Valid && launched.Int64 == 1
		rec.Polls = int(polls.Int64)
		rec.Error = errText.String
		if created.Valid && created.String != "" {
			if t, err := time.Parse(time.RFC3339, created.String); err == nil {
				rec.CreatedAt = t
			}
		}
		if finished.Valid && finished.String != "" {
			if t, err := time.Parse(time.RFC3339, finished.String); err == nil {
				rec.FinishedAt = t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sessionStore) Close() error {
	return s.db.Close()
}

func printHistory(w io.Writer, records []SessionRecord) {
	fmt.Fprintf(w, "%-5s %-22s %-10s %-14s %-6s %-10s %-20s\n", "ID", "JOB", "JOB_ID", "NODE", "SCREEN", "OUTCOME", "CREATED_AT")
	for _, rec := range records {
		created := ""
		if !rec.CreatedAt.IsZero() {
			created = rec.CreatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-5d %-22s %-10s %-14s %-6s %-10s %-20s\n",
			rec.ID, rec.JobName, rec.JobID, rec.Node, rec.Screen, rec.Outcome, created)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
