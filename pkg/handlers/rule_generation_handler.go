package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

// ConnScopeMiddleware holds a database connection for the duration of a request.
type ConnScopeMiddleware func(http.HandlerFunc) http.HandlerFunc

// ScopeStatusResponse is returned by GET /api/scopes/{sid}/status.
// History is the transition log of the latest job.
type ScopeStatusResponse struct {
	Latest  *models.JobStatusView   `json:"latest"`
	Stages  []*models.JobStatusView `json:"stages"`
	History []*models.JobTransition `json:"history"`
}

// GenerateResponse is returned when a generation run is accepted.
type GenerateResponse struct {
	ScopeID int64            `json:"scope_id"`
	Stage   models.JobStage  `json:"stage"`
	Status  models.JobStatus `json:"status"`
}

// RuleGenerationHandler serves rule generation, export and job status for scopes.
type RuleGenerationHandler struct {
	generation services.RuleGenerationService
	exports    services.RuleExportService
	tracker    services.JobTracker
	logger     *zap.Logger

	// runs tracks background generation runs so shutdown can wait for them.
	runs sync.WaitGroup
}

// NewRuleGenerationHandler creates a new RuleGenerationHandler.
func NewRuleGenerationHandler(
	generation services.RuleGenerationService,
	exports services.RuleExportService,
	tracker services.JobTracker,
	logger *zap.Logger,
) *RuleGenerationHandler {
	return &RuleGenerationHandler{
		generation: generation,
		exports:    exports,
		tracker:    tracker,
		logger:     logger.Named("rule-generation-handler"),
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *RuleGenerationHandler) RegisterRoutes(mux *http.ServeMux, connScope ConnScopeMiddleware) {
	base := "/api/scopes/{sid}"

	mux.HandleFunc("GET "+base+"/status", connScope(h.GetStatus))
	mux.HandleFunc("GET "+base+"/rules", connScope(h.ExportRules))
	mux.HandleFunc("GET "+base+"/rules/summary", connScope(h.GetSummary))
	mux.HandleFunc("POST "+base+"/rules/generate", connScope(h.Generate))
}

// Wait blocks until every background run started by Generate has finished.
func (h *RuleGenerationHandler) Wait() {
	h.runs.Wait()
}

// GetStatus handles GET /api/scopes/{sid}/status
func (h *RuleGenerationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := ParseScopeID(w, r, h.logger)
	if !ok {
		return
	}

	latest, err := h.tracker.GetStatus(r.Context(), scopeID)
	if err != nil {
		h.writeError(w, scopeID, "Failed to get job status", err)
		return
	}
	stages, err := h.tracker.ListStatuses(r.Context(), scopeID)
	if err != nil {
		h.writeError(w, scopeID, "Failed to list job statuses", err)
		return
	}
	history, err := h.tracker.History(r.Context(), latest.JobID)
	if err != nil {
		h.writeError(w, scopeID, "Failed to get job history", err)
		return
	}

	resp := ScopeStatusResponse{Latest: latest, Stages: stages, History: history}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resp}); err != nil {
		h.logger.Error("Failed to write status response", zap.Error(err))
	}
}

// ExportRules handles GET /api/scopes/{sid}/rules?format=json|csv
func (h *RuleGenerationHandler) ExportRules(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := ParseScopeID(w, r, h.logger)
	if !ok {
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		export, err := h.exports.ExportJSON(r.Context(), scopeID)
		if err != nil {
			h.writeError(w, scopeID, "Failed to export rules", err)
			return
		}
		if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: export}); err != nil {
			h.logger.Error("Failed to write rules response", zap.Error(err))
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"scope-%d-rules.csv\"", scopeID))
		if err := h.exports.ExportCSV(r.Context(), scopeID, w); err != nil {
			// Headers may already be sent; the truncated body is all the client gets.
			h.logger.Error("Failed to export rules as CSV",
				zap.Int64("scope_id", scopeID),
				zap.Error(err))
		}
	default:
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_format", "format must be json or csv"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
	}
}

// GetSummary handles GET /api/scopes/{sid}/rules/summary
func (h *RuleGenerationHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := ParseScopeID(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.exports.Summary(r.Context(), scopeID)
	if err != nil {
		h.writeError(w, scopeID, "Failed to summarize rules", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: summary}); err != nil {
		h.logger.Error("Failed to write summary response", zap.Error(err))
	}
}

// Generate handles POST /api/scopes/{sid}/rules/generate
// The run continues in the background after 202 Accepted; poll the status endpoint.
func (h *RuleGenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	scopeID, ok := ParseScopeID(w, r, h.logger)
	if !ok {
		return
	}

	stages, err := h.tracker.ListStatuses(r.Context(), scopeID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		h.writeError(w, scopeID, "Failed to get job status", err)
		return
	}
	for _, view := range stages {
		if view.Stage == models.JobStageGenerateRules && !view.Status.IsTerminal() {
			if err := ErrorResponse(w, http.StatusConflict, "conflict", "Rule generation is already running for this scope"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	// The run outlives the request; it acquires its own connections.
	ctx := context.WithoutCancel(r.Context())
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if _, err := h.generation.Run(ctx, scopeID); err != nil {
			h.logger.Error("Background rule generation failed",
				zap.Int64("scope_id", scopeID),
				zap.Error(err))
		}
	}()

	resp := GenerateResponse{ScopeID: scopeID, Stage: models.JobStageGenerateRules, Status: models.JobStatusPending}
	if err := WriteJSON(w, http.StatusAccepted, ApiResponse{Success: true, Data: resp}); err != nil {
		h.logger.Error("Failed to write generate response", zap.Error(err))
	}
}

func (h *RuleGenerationHandler) writeError(w http.ResponseWriter, scopeID int64, message string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message,
			zap.Int64("scope_id", scopeID),
			zap.Error(err))
	}
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
