package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

// JobRepository provides data access for jobs and their transition log.
type JobRepository interface {
	// Create inserts a PENDING job and its initial transition.
	Create(ctx context.Context, job *models.Job) error

	// GetLatest returns the newest job of a stage for a scope.
	GetLatest(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error)

	// GetLatestForScope returns the newest job of any stage for a scope.
	GetLatestForScope(ctx context.Context, scopeID int64) (*models.Job, error)

	// ListLatestByScope returns the newest job of each stage for a scope.
	ListLatestByScope(ctx context.Context, scopeID int64) ([]*models.Job, error)

	// ApplyTransition moves a job from one status to another and appends the
	// transition log entry. Returns apperrors.ErrConflict if the job is no
	// longer in status from.
	ApplyTransition(ctx context.Context, jobID uuid.UUID, from, to models.JobStatus, details string) error

	// ListTransitions returns the transition log of a job, oldest first.
	ListTransitions(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error)
}

type jobRepository struct{}

// NewJobRepository creates a new JobRepository.
func NewJobRepository() JobRepository {
	return &jobRepository{}
}

var _ JobRepository = (*jobRepository)(nil)

const jobColumns = `id, scope_id, stage, status, details, created_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.Status = models.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.ScopeID, string(job.Stage), string(job.Status), job.Details, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, details, created_at)
		VALUES ($1, '', $2, $3, $4)`,
		job.ID, string(job.Status), job.Details, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record initial transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (r *jobRepository) GetLatest(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	row := conn.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE scope_id = $1 AND stage = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, scopeID, string(stage))
	return scanJob(row)
}

func (r *jobRepository) GetLatestForScope(ctx context.Context, scopeID int64) (*models.Job, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	row := conn.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE scope_id = $1
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`, scopeID)
	return scanJob(row)
}

func (r *jobRepository) ListLatestByScope(ctx context.Context, scopeID int64) ([]*models.Job, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `
		SELECT DISTINCT ON (stage) `+jobColumns+`
		FROM jobs
		WHERE scope_id = $1
		ORDER BY stage, created_at DESC, id DESC`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job    models.Job
		stage  string
		status string
	)
	err := row.Scan(&job.ID, &job.ScopeID, &stage, &status, &job.Details, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Stage = models.JobStage(stage)
	job.Status = models.JobStatus(status)
	return &job, nil
}

func (r *jobRepository) ApplyTransition(ctx context.Context, jobID uuid.UUID, from, to models.JobStatus, details string) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	now := time.Now()
	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $3, details = $4, updated_at = $5
		WHERE id = $1 AND status = $2`,
		jobID, string(from), string(to), details, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not %s: %w", jobID, from, apperrors.ErrConflict)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		jobID, string(from), string(to), details, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func (r *jobRepository) ListTransitions(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(ctx, `
		SELECT id, job_id, from_status, to_status, details, created_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*models.JobTransition
	for rows.Next() {
		var (
			t        models.JobTransition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &from, &to, &t.Details, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.FromStatus = models.JobStatus(from)
		t.ToStatus = models.JobStatus(to)
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return transitions, nil
}
