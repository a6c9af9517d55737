// Package runstore provides persistent storage for transfer distance jobs and their results using SQLite.
package runstore

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a transfer job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobParams contains the parameters for a transfer job.
type JobParams struct {
	TargetPath        string   `json:"target_path"`
	TargetGeneIDsPath string   `json:"target_gene_ids_path"`
	TargetLabelsPath  string   `json:"target_labels_path,omitempty"`
	Metric            string   `json:"metric"`
	Mixture           *float64 `json:"mixture,omitempty"`
	K                 int      `json:"k,omitempty"`
	Toy               bool     `json:"toy,omitempty"`
}

// JobProgress represents the progress of a transfer job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// JobSummary holds the figures recorded once a job finishes computing.
type JobSummary struct {
	Cells       int     `json:"cells"`
	Genes       int     `json:"genes"`
	SourceGenes int     `json:"source_genes"`
	SharedGenes int     `json:"shared_genes"`
	Mixture     float64 `json:"mixture"`
	Scale       float64 `json:"scale"`
	Degenerate  bool    `json:"degenerate"`
	ARI         float64 `json:"ari,omitempty"`
}

// Job represents a transfer distance job.
type Job struct {
	ID         string      `json:"job_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	Summary    JobSummary  `json:"summary"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// CellScore is the rejection score of one cell under one criterion.
type CellScore struct {
	Cell      int     `json:"cell"`
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
}

// Store provides persistent storage for transfer jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfer_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		summary_json TEXT NOT NULL DEFAULT '{}',
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transfer_jobs_status ON transfer_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_transfer_jobs_finished ON transfer_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS transfer_scores (
		job_id TEXT NOT NULL,
		cell INTEGER NOT NULL,
		criterion TEXT NOT NULL,
		score REAL,
		PRIMARY KEY (job_id, criterion, cell),
		FOREIGN KEY (job_id) REFERENCES transfer_jobs(job_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS transfer_distances (
		job_id TEXT PRIMARY KEY,
		n INTEGER NOT NULL,
		blob BLOB NOT NULL,
		FOREIGN KEY (job_id) REFERENCES transfer_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, status, params_json, summary_json, phase, done, total, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	summaryJSON, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO transfer_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		string(summaryJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job yields (nil, nil).
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM transfer_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status. Terminal statuses also record the finish time.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE transfer_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE transfer_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE transfer_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobSummary stores the result summary of a job.
func (s *Store) UpdateJobSummary(jobID string, summary JobSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	_, err = s.db.Exec(`UPDATE transfer_jobs SET summary_json = ? WHERE job_id = ?`, string(summaryJSON), jobID)
	return err
}

// InsertScores inserts per-cell rejection scores in a batch transaction.
// Non-finite scores are stored as NULL and read back as NaN.
func (s *Store) InsertScores(jobID string, scores []CellScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO transfer_scores (job_id, cell, criterion, score)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sc := range scores {
		var v sql.NullFloat64
		if !math.IsNaN(sc.Score) && !math.IsInf(sc.Score, 0) {
			v = sql.NullFloat64{Float64: sc.Score, Valid: true}
		}
		if _, err := stmt.Exec(jobID, sc.Cell, sc.Criterion, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryScores returns the scores of one criterion ordered by cell, or of all criteria when criterion is empty.
func (s *Store) QueryScores(jobID, criterion string) ([]CellScore, error) {
	query := `SELECT cell, criterion, score FROM transfer_scores WHERE job_id = ?`
	args := []interface{}{jobID}
	if criterion != "" {
		query += ` AND criterion = ?`
		args = append(args, criterion)
	}
	query += ` ORDER BY criterion, cell`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CellScore
	for rows.Next() {
		var sc CellScore
		var v sql.NullFloat64
		if err := rows.Scan(&sc.Cell, &sc.Criterion, &v); err != nil {
			return nil, err
		}
		sc.Score = math.NaN()
		if v.Valid {
			sc.Score = v.Float64
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SaveDistance stores the upper triangle of d, zstd-compressed.
func (s *Store) SaveDistance(jobID string, d mat.Symmetric) error {
	blob, err := encodeDistance(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO transfer_distances (job_id, n, blob) VALUES (?, ?, ?)
	`, jobID, d.SymmetricDim(), blob)
	return err
}

// LoadDistance reads the distance matrix of a job. A missing matrix yields (nil, nil).
func (s *Store) LoadDistance(jobID string) (*mat.SymDense, error) {
	var n int
	var blob []byte
	err := s.db.QueryRow(`SELECT n, blob FROM transfer_distances WHERE job_id = ?`, jobID).Scan(&n, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDistance(n, blob)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM transfer_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE transfer_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs that finished more than retentionDays ago.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	expired := `SELECT job_id FROM transfer_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`

	if _, err := s.db.Exec(`DELETE FROM transfer_scores WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`DELETE FROM transfer_distances WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`DELETE FROM transfer_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range []string{
		"DELETE FROM transfer_scores WHERE job_id = ?",
		"DELETE FROM transfer_distances WHERE job_id = ?",
		"DELETE FROM transfer_jobs WHERE job_id = ?",
	} {
		if _, err := s.db.Exec(q, jobID); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var paramsJSON, summaryJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Status,
		&paramsJSON,
		&summaryJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if err := json.Unmarshal([]byte(summaryJSON), &job.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// encodeDistance packs the upper triangle (diagonal included) row by row as little-endian float64.
func encodeDistance(d mat.Symmetric) ([]byte, error) {
	n := d.SymmetricDim()
	raw := make([]byte, 0, 8*n*(n+1)/2)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(d.At(i, j)))
		}
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDistance(n int, blob []byte) (*mat.SymDense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid distance dimension %d", n)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress distance: %w", err)
	}
	if want := 8 * n * (n + 1) / 2; len(raw) != want {
		return nil, fmt.Errorf("distance blob has %d bytes, want %d", len(raw), want)
	}

	d := mat.NewSymDense(n, nil)
	off := 0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d.SetSym(i, j, math.Float64frombits(binary.LittleEndian.Uint64(raw[off:])))
			off += 8
		}
	}
	return d, nil
}
