package handlers

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

// passthroughConnScope stands in for database.WithConnScope.
func passthroughConnScope(next http.HandlerFunc) http.HandlerFunc { return next }

// mockRuleGenerationService records Run calls.
type mockRuleGenerationService struct {
	mu      sync.Mutex
	runs    []int64
	runErr  error
	summary *models.RunSummary
}

var _ services.RuleGenerationService = (*mockRuleGenerationService)(nil)

func (m *mockRuleGenerationService) Run(ctx context.Context, scopeID int64) (*models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, scopeID)
	return m.summary, m.runErr
}

func (m *mockRuleGenerationService) ProcessPage(ctx context.Context, msg models.PageMessage) (*models.PageResult, error) {
	return &models.PageResult{PageNum: msg.PageNum}, nil
}

func (m *mockRuleGenerationService) runCalls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.runs...)
}

// mockRuleExportService returns canned exports.
type mockRuleExportService struct {
	export  *models.RuleGraphExport
	csv     string
	summary []models.TableRuleSummary
	err     error
}

var _ services.RuleExportService = (*mockRuleExportService)(nil)

func (m *mockRuleExportService) ExportJSON(ctx context.Context, scopeID int64) (*models.RuleGraphExport, error) {
	return m.export, m.err
}

func (m *mockRuleExportService) ExportCSV(ctx context.Context, scopeID int64, w io.Writer) error {
	if m.err != nil {
		return m.err
	}
	_, err := io.WriteString(w, m.csv)
	return err
}

func (m *mockRuleExportService) Summary(ctx context.Context, scopeID int64) ([]models.TableRuleSummary, error) {
	return m.summary, m.err
}

// mockJobTracker serves job views keyed by scope.
// stages overrides the single latest view returned by ListStatuses.
type mockJobTracker struct {
	latest  map[int64]*models.JobStatusView
	stages  map[int64][]*models.JobStatusView
	history map[uuid.UUID][]*models.JobTransition
	err     error
}

var _ services.JobTracker = (*mockJobTracker)(nil)

func (m *mockJobTracker) Start(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error) {
	return &models.Job{ScopeID: scopeID, Stage: stage, Status: models.JobStatusPending}, nil
}

func (m *mockJobTracker) Update(ctx context.Context, scopeID int64, stage models.JobStage, status models.JobStatus, details string) error {
	return nil
}

func (m *mockJobTracker) GetStatus(ctx context.Context, scopeID int64) (*models.JobStatusView, error) {
	if m.err != nil {
		return nil, m.err
	}
	view, ok := m.latest[scopeID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return view, nil
}

func (m *mockJobTracker) ListStatuses(ctx context.Context, scopeID int64) ([]*models.JobStatusView, error) {
	if m.err != nil {
		return nil, m.err
	}
	if views, ok := m.stages[scopeID]; ok {
		return views, nil
	}
	if view, ok := m.latest[scopeID]; ok {
		return []*models.JobStatusView{view}, nil
	}
	return nil, nil
}

func (m *mockJobTracker) History(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.history[jobID], nil
}
