package services

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// fakeJobRepository keeps jobs and transitions in memory.
type fakeJobRepository struct {
	mu          sync.Mutex
	jobs        []*models.Job
	transitions []*models.JobTransition
	clock       time.Time
}

var _ repositories.JobRepository = (*fakeJobRepository)(nil)

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// tick returns strictly increasing timestamps so ordering is unambiguous.
func (r *fakeJobRepository) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *fakeJobRepository) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := r.tick()
	job.Status = models.JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	stored := *job
	r.jobs = append(r.jobs, &stored)
	r.transitions = append(r.transitions, &models.JobTransition{
		ID: int64(len(r.transitions) + 1), JobID: job.ID, ToStatus: job.Status, Details: job.Details, CreatedAt: now,
	})
	return nil
}

func (r *fakeJobRepository) GetLatest(_ context.Context, scopeID int64, stage models.JobStage) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.jobs) - 1; i >= 0; i-- {
		if j := r.jobs[i]; j.ScopeID == scopeID && j.Stage == stage {
			cp := *j
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeJobRepository) GetLatestForScope(_ context.Context, scopeID int64) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.Job
	for _, j := range r.jobs {
		if j.ScopeID == scopeID && (latest == nil || !j.UpdatedAt.Before(latest.UpdatedAt)) {
			latest = j
		}
	}
	if latest == nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeJobRepository) ListLatestByScope(_ context.Context, scopeID int64) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStage := make(map[models.JobStage]*models.Job)
	for _, j := range r.jobs {
		if j.ScopeID == scopeID {
			byStage[j.Stage] = j
		}
	}
	var out []*models.Job
	for _, j := range byStage {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Stage < out[k].Stage })
	return out, nil
}

func (r *fakeJobRepository) ApplyTransition(_ context.Context, jobID uuid.UUID, from, to models.JobStatus, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID != jobID {
			continue
		}
		if j.Status != from {
			return apperrors.ErrConflict
		}
		now := r.tick()
		j.Status, j.Details, j.UpdatedAt = to, details, now
		r.transitions = append(r.transitions, &models.JobTransition{
			ID: int64(len(r.transitions) + 1), JobID: jobID, FromStatus: from, ToStatus: to, Details: details, CreatedAt: now,
		})
		return nil
	}
	return apperrors.ErrNotFound
}

func (r *fakeJobRepository) ListTransitions(_ context.Context, jobID uuid.UUID) ([]*models.JobTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.JobTransition
	for _, tr := range r.transitions {
		if tr.JobID == jobID {
			cp := *tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

// statuses returns the to-status of every transition in order.
func (r *fakeJobRepository) statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.JobStatus, len(r.transitions))
	for i, tr := range r.transitions {
		out[i] = tr.ToStatus
	}
	return out
}

// fakeScanReportRepository serves one source context per scope, plus the
// fields of each table and the values of each field.
type fakeScanReportRepository struct {
	repositories.ScanReportRepository
	sources map[int64]*models.SourceContext
	fields  map[int64][]*models.SourceField
	values  map[int64][]*models.SourceValue
}

func (r *fakeScanReportRepository) GetTable(_ context.Context, tableID int64) (*models.SourceTable, error) {
	source, ok := r.sources[tableID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	table := source.Table
	return &table, nil
}

func (r *fakeScanReportRepository) ListFields(_ context.Context, tableID int64) ([]*models.SourceField, error) {
	return r.fields[tableID], nil
}

func (r *fakeScanReportRepository) ListValues(_ context.Context, fieldID int64) ([]*models.SourceValue, error) {
	return r.values[fieldID], nil
}

func (r *fakeScanReportRepository) GetSourceContext(_ context.Context, tableID int64) (*models.SourceContext, error) {
	source, ok := r.sources[tableID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *source
	return &cp, nil
}

// fakeAssociationRepository serves associations and records resolutions.
type fakeAssociationRepository struct {
	mu          sync.Mutex
	byScope     map[int64][]*models.ConceptAssociation
	resolutions map[uuid.UUID]repositories.ResolutionUpdate
}

var _ repositories.ConceptAssociationRepository = (*fakeAssociationRepository)(nil)

func newFakeAssociationRepository() *fakeAssociationRepository {
	return &fakeAssociationRepository{
		byScope:     make(map[int64][]*models.ConceptAssociation),
		resolutions: make(map[uuid.UUID]repositories.ResolutionUpdate),
	}
}

func (r *fakeAssociationRepository) Create(_ context.Context, assoc *models.ConceptAssociation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byScope[assoc.ScopeID] {
		if assoc.ConceptID != models.UnresolvedConceptID &&
			existing.Source.Kind() == assoc.Source.Kind() &&
			existing.Source.EntityID() == assoc.Source.EntityID() &&
			existing.ConceptID == assoc.ConceptID {
			return apperrors.ErrDuplicateAssociation
		}
	}
	if assoc.ID == uuid.Nil {
		assoc.ID = uuid.New()
	}
	if assoc.ResolutionStatus == "" {
		assoc.ResolutionStatus = models.AssociationPending
	}
	cp := *assoc
	r.byScope[assoc.ScopeID] = append(r.byScope[assoc.ScopeID], &cp)
	return nil
}

func (r *fakeAssociationRepository) ListByScope(_ context.Context, scopeID int64) ([]*models.ConceptAssociation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.ConceptAssociation, 0, len(r.byScope[scopeID]))
	for _, a := range r.byScope[scopeID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

func (r *fakeAssociationRepository) RecordResolutions(_ context.Context, updates []repositories.ResolutionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		r.resolutions[u.AssociationID] = u
		for _, assocs := range r.byScope {
			for _, a := range assocs {
				if a.ID == u.AssociationID {
					a.ConceptID = u.ConceptID
					a.ResolutionStatus = u.Status
					a.ResolutionNote = u.Note
				}
			}
		}
	}
	return nil
}

// fakeMappingRuleRepository stores rules keyed by id, keeping the smallest
// association id as provenance like the database upsert does.
type fakeMappingRuleRepository struct {
	mu    sync.Mutex
	rules map[uuid.UUID]models.MappingRule

	// saveErr, when set, decides the error returned for a save of the given rules.
	saveErr   func(chunks [][][]models.MappingRule) error
	saveCalls int
}

var _ repositories.MappingRuleRepository = (*fakeMappingRuleRepository)(nil)

func newFakeMappingRuleRepository() *fakeMappingRuleRepository {
	return &fakeMappingRuleRepository{rules: make(map[uuid.UUID]models.MappingRule)}
}

func (r *fakeMappingRuleRepository) SaveChunks(_ context.Context, chunks [][][]models.MappingRule) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.saveErr != nil {
		if err := r.saveErr(chunks); err != nil {
			return 0, err
		}
	}
	saved := 0
	for _, chunk := range chunks {
		for _, page := range chunk {
			for _, rule := range page {
				existing, ok := r.rules[rule.ID]
				if !ok || bytes.Compare(rule.AssociationID[:], existing.AssociationID[:]) < 0 {
					r.rules[rule.ID] = rule
				}
				saved++
			}
		}
	}
	return saved, nil
}

func (r *fakeMappingRuleRepository) DeleteByScope(_ context.Context, scopeID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rule := range r.rules {
		if rule.ScopeID == scopeID {
			delete(r.rules, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeMappingRuleRepository) ListByScope(_ context.Context, scopeID int64) ([]models.MappingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MappingRule
	for _, rule := range r.rules {
		if rule.ScopeID == scopeID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (r *fakeMappingRuleRepository) CountByScope(ctx context.Context, scopeID int64) (int, error) {
	rules, _ := r.ListByScope(ctx, scopeID)
	return len(rules), nil
}
