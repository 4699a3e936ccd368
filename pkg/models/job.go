package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Job Stage
// ============================================================================

// JobStage names the kind of long-running work a job tracks.
type JobStage string

const (
	JobStageBuildConceptsFromDict JobStage = "BUILD_CONCEPTS_FROM_DICT"
	JobStageGenerateRules         JobStage = "GENERATE_RULES"
	JobStageDownloadRules         JobStage = "DOWNLOAD_RULES"
)

// ValidJobStages contains all valid stage values.
var ValidJobStages = []JobStage{
	JobStageBuildConceptsFromDict,
	JobStageGenerateRules,
	JobStageDownloadRules,
}

// IsValidJobStage checks if the given stage is valid.
func IsValidJobStage(s JobStage) bool {
	for _, v := range ValidJobStages {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// Job Status
// ============================================================================

// JobStatus is the coarse status of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusComplete   JobStatus = "COMPLETE"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal returns true if no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// IN_PROGRESS -> IN_PROGRESS is allowed so progress details can be refreshed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusInProgress || next == JobStatusFailed
	case JobStatusInProgress:
		return next == JobStatusInProgress || next == JobStatusComplete || next == JobStatusFailed
	}
	return false
}

// ============================================================================
// Job Model
// ============================================================================

// Job tracks one run of a stage for a target scope (a source table).
type Job struct {
	ID        uuid.UUID `json:"id"`
	ScopeID   int64     `json:"scope_id"`
	Stage     JobStage  `json:"stage"`
	Status    JobStatus `json:"status"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobTransition is one entry of a job's append-only status log.
type JobTransition struct {
	ID         int64     `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	FromStatus JobStatus `json:"from_status"`
	ToStatus   JobStatus `json:"to_status"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobStatusView is what external callers poll.
type JobStatusView struct {
	JobID     uuid.UUID `json:"job_id"`
	ScopeID   int64     `json:"scope_id"`
	Stage     JobStage  `json:"stage"`
	Status    JobStatus `json:"status"`
	Details   string    `json:"details"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View returns the polling view of the job.
func (j *Job) View() *JobStatusView {
	return &JobStatusView{
		JobID:     j.ID,
		ScopeID:   j.ScopeID,
		Stage:     j.Stage,
		Status:    j.Status,
		Details:   j.Details,
		UpdatedAt: j.UpdatedAt,
	}
}
