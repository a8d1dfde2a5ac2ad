package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	// sqlite driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/types"
)

// Record is one finished job.
type Record struct {
	JobID      string
	Platform   string
	SourceURL  string
	OutputPath string
	Status     string
	Attempts   int
	Error      string
	Kind       string
	FinishedAt time.Time
}

// Store keeps terminal job records in SQLite. It is an events.Handler, so it
// can sit behind the bus next to the output manager.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		job_id TEXT NOT NULL,
		platform TEXT,
		source_url TEXT NOT NULL,
		output_path TEXT,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		error TEXT,
		kind TEXT,
		finished_at DATETIME
	)`)
	if err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS jobs_source_url ON jobs (source_url, status)`)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO jobs (job_id, platform, source_url, output_path, status, attempts, error, kind, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Platform, r.SourceURL, r.OutputPath, r.Status, r.Attempts, r.Error, r.Kind,
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// List returns the most recent records first; limit <= 0 returns all of them.
func (s *Store) List(limit int) ([]Record, error) {
	query := `SELECT job_id, platform, source_url, output_path, status, attempts, error, kind, finished_at
		FROM jobs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var platform, output, errMsg, kind sql.NullString
		var finished string
		if err := rows.Scan(&r.JobID, &platform, &r.SourceURL, &output, &r.Status, &r.Attempts, &errMsg, &kind, &finished); err != nil {
			return nil, err
		}
		r.Platform, r.OutputPath, r.Error, r.Kind = platform.String, output.String, errMsg.String, kind.String
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Completed returns the output path of the latest successful download of url.
func (s *Store) Completed(url string) (string, bool, error) {
	var output sql.NullString
	err := s.db.QueryRow(
		`SELECT output_path FROM jobs WHERE source_url = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		url, types.StatusComplete.String(),
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return output.String, true, nil
}

// Handle records terminal job statuses.
func (s *Store) Handle(ev events.Event) {
	st, ok := ev.(events.JobStatus)
	if !ok || !st.Terminal() {
		return
	}
	err := s.Record(Record{
		JobID:      st.JobID,
		Platform:   st.Platform,
		SourceURL:  st.SourceURL,
		OutputPath: st.OutputPath,
		Status:     st.Status.String(),
		Attempts:   st.Attempt,
		Error:      st.Error,
		Kind:       st.Kind.String(),
		FinishedAt: st.At,
	})
	if err != nil {
		log.Warn().Str("op", "history/store").Err(err).Msgf("Failed to record job %s", st.JobID)
	}
}
