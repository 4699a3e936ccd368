package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

func noopScopeContext(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// mockJobTracker implements services.JobTracker for testing.
type mockJobTracker struct {
	latest  map[int64]*models.JobStatusView
	history map[uuid.UUID][]*models.JobTransition
	err     error
}

func (m *mockJobTracker) Start(ctx context.Context, scopeID int64, stage models.JobStage) (*models.Job, error) {
	return nil, nil
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
		return nil, fmt.Errorf("scope %d: %w", scopeID, apperrors.ErrNotFound)
	}
	return view, nil
}

func (m *mockJobTracker) ListStatuses(ctx context.Context, scopeID int64) ([]*models.JobStatusView, error) {
	if m.err != nil {
		return nil, m.err
	}
	if view, ok := m.latest[scopeID]; ok {
		return []*models.JobStatusView{view}, nil
	}
	return nil, nil
}

// mockRuleExportService implements services.RuleExportService for testing.
type mockRuleExportService struct {
	export  *models.RuleGraphExport
	csv     string
	summary []models.TableRuleSummary
	err     error
}

func (m *mockRuleExportService) ExportJSON(ctx context.Context, scopeID int64) (*models.RuleGraphExport, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.export, nil
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

// mockConceptResolver implements services.ConceptResolver for testing.
// Only ResolveCode is served.
type mockConceptResolver struct {
	services.ConceptResolver
	byCode map[string]*models.Concept
	err    error
}

func (m *mockConceptResolver) ResolveCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.byCode[vocabularyID+"|"+code]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return c, nil
}

// callTool invokes a tool through the JSON-RPC entry point and returns its text and error flag.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (string, bool) {
	t.Helper()
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	request, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  params,
	})
	require.NoError(t, err)

	resultBytes, err := json.Marshal(s.HandleMessage(context.Background(), request))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))
	if response.Error != nil {
		return response.Error.Message, true
	}
	require.NotEmpty(t, response.Result.Content)
	return response.Result.Content[0].Text, response.Result.IsError
}

func listToolNames(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	resultBytes, err := json.Marshal(s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))
	names := make([]string, len(response.Result.Tools))
	for i, tool := range response.Result.Tools {
		names[i] = tool.Name
	}
	return names
}

func (m *mockJobTracker) History(ctx context.Context, jobID uuid.UUID) ([]*models.JobTransition, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.history[jobID], nil
}
