package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pullcrit/pullcrit/internal/db"
	"github.com/pullcrit/pullcrit/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	workspace_id     TEXT NOT NULL,
	repository_id    TEXT NOT NULL,
	external_ref     TEXT NOT NULL,
	repo_full_name   TEXT NOT NULL,
	pr_number        INTEGER NOT NULL,
	head_sha         TEXT NOT NULL DEFAULT '',
	base_ref         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	policy_snapshot  JSONB,
	metrics          JSONB,
	metadata         JSONB,
	error            TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(workspace_id, external_ref)
);

CREATE TABLE IF NOT EXISTS findings (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	finding_hash TEXT NOT NULL,
	severity     TEXT NOT NULL,
	category     TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	rationale    TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	file_path    TEXT NOT NULL DEFAULT '',
	line_start   INTEGER NOT NULL DEFAULT 0,
	line_end     INTEGER NOT NULL DEFAULT 0,
	suggestion   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(run_id, finding_hash)
);

CREATE TABLE IF NOT EXISTS annotations (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	finding_id  TEXT NOT NULL REFERENCES findings(id),
	external_id BIGINT NOT NULL,
	type        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo_full_name);
CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_annotations_finding_id ON annotations(finding_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) (*model.Run, error) {
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, workspace_id, repository_id, external_ref, repo_full_name, pr_number, head_sha, base_ref, status, policy_snapshot, metrics, metadata, error, started_at, completed_at, duration_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		out.ID, out.WorkspaceID, out.RepositoryID, out.ExternalRef, out.RepoFullName,
		out.PRNumber, out.HeadSHA, out.BaseRef, string(out.Status),
		policyJSON, metricsJSON, metadataJSON, out.Error,
		out.StartedAt, out.CompletedAt, out.DurationSeconds, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, eris.Wrapf(ErrDuplicateRun, "external_ref %s", out.ExternalRef)
		}
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &out, nil
}

const selectRunPostgres = `SELECT id, workspace_id, repository_id, external_ref, repo_full_name, pr_number, head_sha, base_ref, status, policy_snapshot, metrics, metadata, error, started_at, completed_at, duration_seconds, created_at, updated_at FROM runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, selectRunPostgres+` WHERE id = $1`, runID)
	return scanRunPostgres(row)
}

func (s *PostgresStore) GetRunByExternalRef(ctx context.Context, workspaceID, externalRef string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		selectRunPostgres+` WHERE workspace_id = $1 AND external_ref = $2`,
		workspaceID, externalRef)
	return scanRunPostgres(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := selectRunPostgres + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.RepoFullName != "" {
		query += ` AND repo_full_name = ` + arg(filter.RepoFullName)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ` + arg(filter.CreatedAfter.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunPostgres(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs")
}

func (s *PostgresStore) CountRecentRuns(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE workspace_id = $1 AND created_at >= $2`,
		workspaceID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count recent runs")
	}
	return n, nil
}

func (s *PostgresStore) ClaimRun(ctx context.Context, runID string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2, updated_at = now() WHERE id = $3 AND status = $4`,
		string(model.RunStatusInProgress), startedAt.UTC(), runID, string(model.RunStatusQueued),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim run %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.Run) error {
	policyJSON, metricsJSON, metadataJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, policy_snapshot = $2, metrics = $3, metadata = $4, error = $5, started_at = $6, completed_at = $7, duration_seconds = $8, updated_at = now() WHERE id = $9`,
		string(run.Status), policyJSON, metricsJSON, metadataJSON, run.Error,
		run.StartedAt, run.CompletedAt, run.DurationSeconds, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

var findingColumns = []string{
	"id", "run_id", "finding_hash", "severity", "category", "title",
	"description", "rationale", "confidence", "file_path", "line_start",
	"line_end", "suggestion", "created_at",
}

func (s *PostgresStore) CreateFindings(ctx context.Context, runID string, findings []model.Finding) ([]model.Finding, error) {
	batch := dedupeFindings(runID, findings, func() string { return uuid.New().String() }, time.Now().UTC())
	if len(batch) == 0 {
		return nil, nil
	}

	rows := make([][]any, len(batch))
	for i, f := range batch {
		rows[i] = []any{
			f.ID, f.RunID, f.Hash, string(f.Severity), string(f.Category), f.Title,
			f.Description, f.Rationale, f.Confidence, f.FilePath, f.LineStart,
			f.LineEnd, f.Suggestion, f.CreatedAt,
		}
	}

	if _, err := db.CopyFrom(ctx, s.pool, "findings", findingColumns, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert findings for run %s", runID)
	}
	return batch, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, runID string) ([]model.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, finding_hash, severity, category, title, description, rationale, confidence, file_path, line_start, line_end, suggestion, created_at
		 FROM findings WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		var severity, category string
		if err := rows.Scan(&f.ID, &f.RunID, &f.Hash, &severity, &category, &f.Title,
			&f.Description, &f.Rationale, &f.Confidence, &f.FilePath, &f.LineStart,
			&f.LineEnd, &f.Suggestion, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		f.Severity = model.Severity(severity)
		f.Category = model.Category(category)
		findings = append(findings, f)
	}
	return findings, eris.Wrap(rows.Err(), "postgres: list findings")
}

func (s *PostgresStore) CreateAnnotation(ctx context.Context, a model.Annotation) (*model.Annotation, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO annotations (id, finding_id, external_id, type, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.FindingID, a.ExternalID, string(a.Type), a.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert annotation")
	}
	return &a, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, runID string) ([]model.Annotation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.finding_id, a.external_id, a.type, a.created_at
		 FROM annotations a JOIN findings f ON a.finding_id = f.id
		 WHERE f.run_id = $1 ORDER BY a.created_at, a.id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list annotations")
	}
	defer rows.Close()

	var annotations []model.Annotation
	for rows.Next() {
		var a model.Annotation
		var typ string
		if err := rows.Scan(&a.ID, &a.FindingID, &a.ExternalID, &typ, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan annotation")
		}
		a.Type = model.AnnotationType(typ)
		annotations = append(annotations, a)
	}
	return annotations, eris.Wrap(rows.Err(), "postgres: list annotations")
}

func (s *PostgresStore) CountAnnotations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM annotations a JOIN findings f ON a.finding_id = f.id WHERE f.run_id = $1`,
		runID).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count annotations")
	}
	return n, nil
}

// helpers

func scanRunPostgres(row pgx.Row) (*model.Run, error) {
	var run model.Run
	var status string
	var policyJSON, metricsJSON, metadataJSON *string
	var startedAt, completedAt *time.Time

	err := row.Scan(&run.ID, &run.WorkspaceID, &run.RepositoryID, &run.ExternalRef,
		&run.RepoFullName, &run.PRNumber, &run.HeadSHA, &run.BaseRef, &status,
		&policyJSON, &metricsJSON, &metadataJSON, &run.Error,
		&startedAt, &completedAt, &run.DurationSeconds, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	run.Status = model.RunStatus(status)
	run.StartedAt = startedAt
	run.CompletedAt = completedAt
	if err := unmarshalRunBlobs(&run, deref(policyJSON), deref(metricsJSON), deref(metadataJSON)); err != nil {
		return nil, err
	}
	return &run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
