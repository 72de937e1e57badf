package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pullcrit/pullcrit/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	repository_id    TEXT NOT NULL,
	external_ref     TEXT NOT NULL,
	repo_full_name   TEXT NOT NULL,
	pr_number        INTEGER NOT NULL,
	head_sha         TEXT NOT NULL DEFAULT '',
	base_ref         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	policy_snapshot  TEXT,
	metrics          TEXT,
	metadata         TEXT,
	error            TEXT NOT NULL DEFAULT '',
	started_at       DATETIME,
	completed_at     DATETIME,
	duration_seconds REAL NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(workspace_id, external_ref)
);

CREATE TABLE IF NOT EXISTS findings (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	finding_hash TEXT NOT NULL,
	severity     TEXT NOT NULL,
	category     TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	rationale    TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	file_path    TEXT NOT NULL DEFAULT '',
	line_start   INTEGER NOT NULL DEFAULT 0,
	line_end     INTEGER NOT NULL DEFAULT 0,
	suggestion   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(run_id, finding_hash)
);

CREATE TABLE IF NOT EXISTS annotations (
	id          TEXT PRIMARY KEY,
	finding_id  TEXT NOT NULL REFERENCES findings(id),
	external_id INTEGER NOT NULL,
	type        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo_full_name);
CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_annotations_finding_id ON annotations(finding_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) (*model.Run, error) {
	out := *run
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.Status == "" {
		out.Status = model.RunStatusQueued
	}
	now := time.Now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now

	policyJSON, metricsJSON, metadataJSON, err := marshalRunBlobs(&out)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, repository_id, external_ref, repo_full_name, pr_number, head_sha, base_ref, status, policy_snapshot, metrics, metadata, error, started_at, completed_at, duration_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.WorkspaceID, out.RepositoryID, out.ExternalRef, out.RepoFullName,
		out.PRNumber, out.HeadSHA, out.BaseRef, string(out.Status),
		policyJSON, metricsJSON, metadataJSON, out.Error,
		out.StartedAt, out.CompletedAt, out.DurationSeconds, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, eris.Wrapf(ErrDuplicateRun, "external_ref %s", out.ExternalRef)
		}
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &out, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, selectRunSQLite+` WHERE id = ?`, runID)
	return scanRunSQLite(row)
}

func (s *SQLiteStore) GetRunByExternalRef(ctx context.Context, workspaceID, externalRef string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		selectRunSQLite+` WHERE workspace_id = ? AND external_ref = ?`,
		workspaceID, externalRef)
	return scanRunSQLite(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := selectRunSQLite + ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RepoFullName != "" {
		query += ` AND repo_full_name = ?`
		args = append(args, filter.RepoFullName)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunSQLite(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs")
}

func (s *SQLiteStore) CountRecentRuns(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workspace_id = ? AND created_at >= ?`,
		workspaceID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count recent runs")
	}
	return n, nil
}

func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.RunStatusInProgress), startedAt.UTC(), time.Now().UTC(),
		runID, string(model.RunStatusQueued),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	policyJSON, metricsJSON, metadataJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, policy_snapshot = ?, metrics = ?, metadata = ?, error = ?, started_at = ?, completed_at = ?, duration_seconds = ?, updated_at = ? WHERE id = ?`,
		string(run.Status), policyJSON, metricsJSON, metadataJSON, run.Error,
		run.StartedAt, run.CompletedAt, run.DurationSeconds, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) CreateFindings(ctx context.Context, runID string, findings []model.Finding) ([]model.Finding, error) {
	batch := dedupeFindings(runID, findings, func() string { return uuid.New().String() }, time.Now().UTC())
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin findings tx")
	}
	defer tx.Rollback()

	for _, f := range batch {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO findings (id, run_id, finding_hash, severity, category, title, description, rationale, confidence, file_path, line_start, line_end, suggestion, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.RunID, f.Hash, string(f.Severity), string(f.Category), f.Title,
			f.Description, f.Rationale, f.Confidence, f.FilePath, f.LineStart, f.LineEnd,
			f.Suggestion, f.CreatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert finding %s", f.Hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit findings")
	}
	return batch, nil
}

func (s *SQLiteStore) ListFindings(ctx context.Context, runID string) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, finding_hash, severity, category, title, description, rationale, confidence, file_path, line_start, line_end, suggestion, created_at
		 FROM findings WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		var severity, category string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Hash, &severity, &category, &f.Title,
			&f.Description, &f.Rationale, &f.Confidence, &f.FilePath, &f.LineStart,
			&f.LineEnd, &f.Suggestion, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		f.Severity = model.Severity(severity)
		f.Category = model.Category(category)
		findings = append(findings, f)
	}
	return findings, eris.Wrap(rows.Err(), "sqlite: list findings")
}

func (s *SQLiteStore) CreateAnnotation(ctx context.Context, a model.Annotation) (*model.Annotation, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO annotations (id, finding_id, external_id, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.FindingID, a.ExternalID, string(a.Type), a.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert annotation")
	}
	return &a, nil
}

func (s *SQLiteStore) ListAnnotations(ctx context.Context, runID string) ([]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.finding_id, a.external_id, a.type, a.created_at
		 FROM annotations a JOIN findings f ON a.finding_id = f.id
		 WHERE f.run_id = ? ORDER BY a.created_at, a.id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list annotations")
	}
	defer rows.Close()

	var annotations []model.Annotation
	for rows.Next() {
		var a model.Annotation
		var typ string
		if err := rows.Scan(&a.ID, &a.FindingID, &a.ExternalID, &typ, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan annotation")
		}
		a.Type = model.AnnotationType(typ)
		annotations = append(annotations, a)
	}
	return annotations, eris.Wrap(rows.Err(), "sqlite: list annotations")
}

func (s *SQLiteStore) CountAnnotations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM annotations a JOIN findings f ON a.finding_id = f.id WHERE f.run_id = ?`,
		runID).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count annotations")
	}
	return n, nil
}

// helpers

const selectRunSQLite = `SELECT id, workspace_id, repository_id, external_ref, repo_full_name, pr_number, head_sha, base_ref, status, policy_snapshot, metrics, metadata, error, started_at, completed_at, duration_seconds, created_at, updated_at FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSQLite(row rowScanner) (*model.Run, error) {
	var run model.Run
	var status string
	var policyJSON, metricsJSON, metadataJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.WorkspaceID, &run.RepositoryID, &run.ExternalRef,
		&run.RepoFullName, &run.PRNumber, &run.HeadSHA, &run.BaseRef, &status,
		&policyJSON, &metricsJSON, &metadataJSON, &run.Error,
		&startedAt, &completedAt, &run.DurationSeconds, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	run.Status = model.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := unmarshalRunBlobs(&run, policyJSON.String, metricsJSON.String, metadataJSON.String); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalRunBlobs(run *model.Run) (policy, metrics, metadata *string, err error) {
	if run.Policy != nil {
		data, err := json.Marshal(run.Policy)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "store: marshal policy snapshot")
		}
		s := string(data)
		policy = &s
	}
	{
		data, err := json.Marshal(run.Metrics)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "store: marshal metrics")
		}
		s := string(data)
		metrics = &s
	}
	if run.Metadata != nil {
		data, err := json.Marshal(run.Metadata)
		if err != nil {
			return nil, nil, nil, eris.Wrap(err, "store: marshal metadata")
		}
		s := string(data)
		metadata = &s
	}
	return policy, metrics, metadata, nil
}

func unmarshalRunBlobs(run *model.Run, policyJSON, metricsJSON, metadataJSON string) error {
	if policyJSON != "" {
		var p model.ReviewPolicy
		if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
			return eris.Wrap(err, "store: unmarshal policy snapshot")
		}
		run.Policy = &p
	}
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &run.Metrics); err != nil {
			return eris.Wrap(err, "store: unmarshal metrics")
		}
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &run.Metadata); err != nil {
			return eris.Wrap(err, "store: unmarshal metadata")
		}
	}
	return nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
