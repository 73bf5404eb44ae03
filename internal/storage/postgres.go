package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	job_id, artifact_ref, status, parameters, result, error_kind, error_message,
	last_error, attempt_count, max_attempts, claim_owner,
	created_at, updated_at, claimed_at, heartbeat_at, finished_at`

// liveness is the SQL expression for the latest signal of the current claim
const liveness = `GREATEST(claimed_at, COALESCE(heartbeat_at, claimed_at))`

type jobRow struct {
	JobID        string         `db:"job_id"`
	ArtifactRef  string         `db:"artifact_ref"`
	Status       string         `db:"status"`
	Parameters   []byte         `db:"parameters"`
	Result       sql.NullString `db:"result"`
	ErrorKind    sql.NullString `db:"error_kind"`
	ErrorMessage sql.NullString `db:"error_message"`
	LastError    sql.NullString `db:"last_error"`
	AttemptCount int            `db:"attempt_count"`
	MaxAttempts  int            `db:"max_attempts"`
	ClaimOwner   sql.NullString `db:"claim_owner"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	ClaimedAt    sql.NullTime   `db:"claimed_at"`
	HeartbeatAt  sql.NullTime   `db:"heartbeat_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:           r.JobID,
		ArtifactRef:  r.ArtifactRef,
		Status:       domain.Status(r.Status),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		ClaimOwner:   r.ClaimOwner.String,
		LastError:    r.LastError.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		ClaimedAt:    nullTime(r.ClaimedAt),
		HeartbeatAt:  nullTime(r.HeartbeatAt),
		FinishedAt:   nullTime(r.FinishedAt),
	}
	if len(r.Parameters) > 0 {
		if err := json.Unmarshal(r.Parameters, &job.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of job %s: %w", r.JobID, err)
		}
	}
	if r.Result.Valid {
		result := r.Result.String
		job.Result = &result
	}
	if r.ErrorKind.Valid {
		job.Error = &domain.JobError{
			Kind:    domain.ErrorKind(r.ErrorKind.String),
			Message: r.ErrorMessage.String,
		}
	}
	return job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// PostgresStore is the Store backed by PostgreSQL through sqlx
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore on top of a connected client
func NewPostgresStore(pg *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("failed to create job: status must be %s, got %s", domain.JobStatusQueued, job.Status)
	}
	if job.MaxAttempts <= 0 {
		return fmt.Errorf("failed to create job: %w: max attempts must be positive", domain.ErrInvalidParameters)
	}

	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	query := `
		INSERT INTO jobs (
			job_id, artifact_ref, status, parameters,
			attempt_count, max_attempts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			0, $5, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err = s.db.QueryRowContext(ctx, query,
		job.ID,
		job.ArtifactRef,
		job.Status,
		string(params),
		job.MaxAttempts,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return classify("create job", err)
	}
	job.AttemptCount = 0
	return nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidInput(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, classify("get job", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	return s.selectJobs(ctx, "list jobs", query, args...)
}

func (s *PostgresStore) selectJobs(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(op, err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimJob locks the row, decides claimability against the database clock,
// then updates it in the same transaction.
func (s *PostgresStore) ClaimJob(ctx context.Context, jobID, owner string, staleAfter time.Duration) (*ClaimResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify("begin claim", err)
	}
	defer tx.Rollback()

	var current struct {
		Status     string         `db:"status"`
		ClaimOwner sql.NullString `db:"claim_owner"`
		Stale      bool           `db:"stale"`
	}
	lockQuery := `
		SELECT status, claim_owner,
		       COALESCE(` + liveness + ` < NOW() - ($2::bigint * INTERVAL '1 millisecond'), FALSE) AS stale
		FROM jobs
		WHERE job_id = $1
		FOR UPDATE
	`
	if err := tx.GetContext(ctx, &current, lockQuery, jobID, staleAfter.Milliseconds()); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidInput(err) {
			return nil, domain.ErrJobNotFound
		}
		return nil, classify("lock job", err)
	}

	res := &ClaimResult{
		PreviousStatus: domain.Status(current.Status),
		PreviousOwner:  current.ClaimOwner.String,
	}

	switch res.PreviousStatus {
	case domain.JobStatusQueued:
	case domain.JobStatusRunning:
		if staleAfter <= 0 || !current.Stale {
			return nil, domain.ErrJobAlreadyClaimed
		}
		res.Reclaimed = true
	default:
		return nil, domain.ErrJobTerminal
	}

	var row jobRow
	claimQuery := `
		UPDATE jobs
		SET status = $1,
		    attempt_count = attempt_count + 1,
		    claim_owner = $2,
		    claimed_at = NOW(),
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
		RETURNING ` + jobColumns
	if err := tx.GetContext(ctx, &row, claimQuery, domain.JobStatusRunning, owner, jobID); err != nil {
		return nil, classify("claim job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit claim", err)
	}

	res.Job, err = row.toDomain()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", jobID),
		slog.String("owner", owner),
		slog.Int("attempt", res.Job.AttemptCount),
		slog.Bool("reclaimed", res.Reclaimed),
	)
	return res, nil
}

func (s *PostgresStore) HeartbeatJob(ctx context.Context, jobID, owner string) error {
	query := `
		UPDATE jobs
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2 AND claim_owner = $3
	`
	return s.ownedExec(ctx, "heartbeat job", query, jobID, domain.JobStatusRunning, owner)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, owner, result string) error {
	query := `
		UPDATE jobs
		SET status = $4,
		    result = $5,
		    error_kind = NULL,
		    error_message = NULL,
		    claim_owner = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2 AND claim_owner = $3
	`
	return s.ownedExec(ctx, "complete job", query, jobID, domain.JobStatusRunning, owner,
		domain.JobStatusCompleted, result)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, owner string, jobErr domain.JobError) error {
	query := `
		UPDATE jobs
		SET status = $4,
		    result = NULL,
		    error_kind = $5,
		    error_message = $6,
		    claim_owner = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2 AND claim_owner = $3
	`
	return s.ownedExec(ctx, "fail job", query, jobID, domain.JobStatusRunning, owner,
		domain.JobStatusFailed, string(jobErr.Kind), jobErr.Message)
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID, owner, lastError string, refundAttempt bool) error {
	query := `
		UPDATE jobs
		SET status = $4,
		    claim_owner = NULL,
		    heartbeat_at = NULL,
		    last_error = $5,
		    attempt_count = CASE WHEN $6 AND attempt_count > 0 THEN attempt_count - 1 ELSE attempt_count END,
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2 AND claim_owner = $3
	`
	return s.ownedExec(ctx, "release job", query, jobID, domain.JobStatusRunning, owner,
		domain.JobStatusQueued, lastError, refundAttempt)
}

// ownedExec runs a write guarded by "running under owner"; args must start with job_id, status, owner.
func (s *PostgresStore) ownedExec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isInvalidInput(err) {
			return domain.ErrJobNotFound
		}
		return classify(op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) ListExpiredJobs(ctx context.Context, horizon time.Duration, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status IN ($1, $2)
		  AND finished_at < NOW() - ($3::bigint * INTERVAL '1 millisecond')
		ORDER BY finished_at ASC
		LIMIT $4
	`
	return s.selectJobs(ctx, "list expired jobs", query,
		domain.JobStatusCompleted, domain.JobStatusFailed, horizon.Milliseconds(), limit)
}

func (s *PostgresStore) ListStrandedJobs(ctx context.Context, queuedFor, staleAfter time.Duration, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status = $1 AND updated_at <= NOW() - ($2::bigint * INTERVAL '1 millisecond'))
		   OR (status = $3 AND $4::bigint > 0 AND ` + liveness + ` <= NOW() - ($4::bigint * INTERVAL '1 millisecond'))
		ORDER BY updated_at ASC
		LIMIT $5
	`
	return s.selectJobs(ctx, "list stranded jobs", query,
		domain.JobStatusQueued, queuedFor.Milliseconds(),
		domain.JobStatusRunning, staleAfter.Milliseconds(), limit)
}

func (s *PostgresStore) CountArtifactRefs(ctx context.Context, artifactRef, excludeJobID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM jobs WHERE artifact_ref = $1 AND job_id::text <> $2`
	if err := s.db.GetContext(ctx, &n, query, artifactRef, excludeJobID); err != nil {
		return 0, classify("count artifact refs", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	query := `DELETE FROM jobs WHERE job_id = $1 AND status IN ($2, $3)`
	res, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusCompleted, domain.JobStatusFailed)
	if err != nil {
		if isInvalidInput(err) {
			return domain.ErrJobNotFound
		}
		return classify("delete job", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete job", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := s.GetJobByID(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotTerminal
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// classify wraps connectivity failures with ErrStoreUnavailable so callers can back off
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// connection_exception and operator_intervention (admin shutdown, cannot connect now)
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isInvalidInput matches malformed identifiers such as a non-UUID job id
func isInvalidInput(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
