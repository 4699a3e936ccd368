package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// JobTracker records coarse progress of long-running work per scope and stage.
type JobTracker interface {
	// Start creates a PENDING job for the scope and stage.
	Start(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error)

	// Update moves the latest job of the stage to status with new details.
	// Transitions the status machine does not allow are logged and ignored.
	Update(ctx context.Context, scopeID int64, stage models.JobStage, status models.JobStatus, details string) error

	// GetStatus returns the most recently updated job of the scope.
	GetStatus(ctx context.Context, scopeID int64) (*models.JobStatusView, error)

	// ListStatuses returns the latest job of every stage that has run for the scope.
	ListStatuses(ctx context.Context, scopeID int64) ([]*models.JobStatusView, error)

	// History returns the status transitions of a job, oldest first.
	History(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error)
}

type jobTracker struct {
	repo   repositories.JobRepository
	logger *zap.Logger
}

// NewJobTracker creates a JobTracker backed by repo.
func NewJobTracker(repo repositories.JobRepository, logger *zap.Logger) JobTracker {
	return &jobTracker{
		repo:   repo,
		logger: logger.Named("job-tracker"),
	}
}

var _ JobTracker = (*jobTracker)(nil)

func (t *jobTracker) Start(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error) {
	if !models.IsValidJobStage(stage) {
		return nil, fmt.Errorf("unknown job stage %q", stage)
	}

	job := &models.Job{ScopeID: scopeID, Stage: stage}
	if err := t.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("start %s job for scope %d: %w", stage, scopeID, err)
	}

	t.logger.Info("Job started",
		zap.String("job_id", job.ID.String()),
		zap.Int64("scope_id", scopeID),
		zap.String("stage", string(stage)))
	return job, nil
}

func (t *jobTracker) Update(ctx context.Context, scopeID int64, stage models.JobStage, status models.JobStatus, details string) error {
	if !models.IsValidJobStage(stage) {
		return fmt.Errorf("unknown job stage %q", stage)
	}

	job, err := t.repo.GetLatest(ctx, scopeID, stage)
	if err != nil {
		return fmt.Errorf("find %s job for scope %d: %w", stage, scopeID, err)
	}

	if !job.Status.CanTransitionTo(status) {
		t.logger.Warn("Ignoring job status update",
			zap.String("job_id", job.ID.String()),
			zap.Int64("scope_id", scopeID),
			zap.String("stage", string(stage)),
			zap.String("from", string(job.Status)),
			zap.String("to", string(status)),
			zap.Error(apperrors.ErrInvalidTransition))
		return nil
	}

	err = t.repo.ApplyTransition(ctx, job.ID, job.Status, status, details)
	if errors.Is(err, apperrors.ErrConflict) {
		t.logger.Warn("Job changed concurrently, update ignored",
			zap.String("job_id", job.ID.String()),
			zap.String("to", string(status)),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}

	t.logger.Debug("Job updated",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(status)),
		zap.String("details", details))
	return nil
}

func (t *jobTracker) GetStatus(ctx context.Context, scopeID int64) (*models.JobStatusView, error) {
	job, err := t.repo.GetLatestForScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

func (t *jobTracker) ListStatuses(ctx context.Context, scopeID int64) ([]*models.JobStatusView, error) {
	jobs, err := t.repo.ListLatestByScope(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	views := make([]*models.JobStatusView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views, nil
}

func (t *jobTracker) History(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error) {
	transitions, err := t.repo.ListTransitions(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions of job %s: %w", jobID, err)
	}
	return transitions, nil
}
