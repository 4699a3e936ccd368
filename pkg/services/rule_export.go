package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/omop"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// RuleExportService renders the stored rules of a scope for the downstream ETL.
type RuleExportService interface {
	// ExportJSON returns the rules with the destination tables in dependency order.
	ExportJSON(ctx context.Context, scopeID int64) (*models.RuleGraphExport, error)

	// ExportCSV writes the rules as CSV, header first, in the same order as ExportJSON.
	ExportCSV(ctx context.Context, scopeID int64, w io.Writer) error

	// Summary counts rules and distinct concepts per destination table.
	Summary(ctx context.Context, scopeID int64) ([]models.TableRuleSummary, error)
}

type ruleExportService struct {
	rules  repositories.MappingRuleRepository
	defs   *omop.Definitions
	logger *zap.Logger
}

// NewRuleExportService creates a RuleExportService. A nil defs uses the built-in CDM definitions.
func NewRuleExportService(rules repositories.MappingRuleRepository, defs *omop.Definitions, logger *zap.Logger) RuleExportService {
	if defs == nil {
		defs = omop.Default()
	}
	return &ruleExportService{
		rules:  rules,
		defs:   defs,
		logger: logger.Named("rule-export"),
	}
}

var _ RuleExportService = (*ruleExportService)(nil)

func (s *ruleExportService) graph(ctx context.Context, scopeID int64) (*RuleGraph, error) {
	rules, err := s.rules.ListByScope(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list rules for scope %d: %w", scopeID, err)
	}
	g := NewRuleGraph(s.defs)
	g.Add(rules...)
	return g, nil
}

func (s *ruleExportService) ExportJSON(ctx context.Context, scopeID int64) (*models.RuleGraphExport, error) {
	g, err := s.graph(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	export := g.ToOrderedExport()
	return &export, nil
}

func (s *ruleExportService) ExportCSV(ctx context.Context, scopeID int64, w io.Writer) error {
	g, err := s.graph(ctx, scopeID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(models.RuleCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	rules := g.Rules()
	for i := range rules {
		if err := cw.Write(rules[i].CSVRecord()); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	s.logger.Debug("Exported rules as CSV",
		zap.Int64("scope_id", scopeID),
		zap.Int("rules", len(rules)))
	return nil
}

func (s *ruleExportService) Summary(ctx context.Context, scopeID int64) ([]models.TableRuleSummary, error) {
	g, err := s.graph(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	order := g.DependencyOrder()
	index := make(map[string]int, len(order))
	out := make([]models.TableRuleSummary, len(order))
	concepts := make([]map[int64]struct{}, len(order))
	for i, table := range order {
		index[table] = i
		out[i].DestinationTable = table
		concepts[i] = make(map[int64]struct{})
	}

	for _, rule := range g.Rules() {
		i := index[rule.DestinationTable]
		out[i].RuleCount++
		concepts[i][rule.ConceptID] = struct{}{}
	}
	for i := range out {
		out[i].ConceptCount = len(concepts[i])
	}
	return out, nil
}

type trackedRuleExportService struct {
	RuleExportService
	tracker JobTracker
	logger  *zap.Logger
}

// NewTrackedRuleExportService records a DOWNLOAD_RULES job around every export of inner.
// Summary is passed through untracked.
func NewTrackedRuleExportService(inner RuleExportService, tracker JobTracker, logger *zap.Logger) RuleExportService {
	return &trackedRuleExportService{
		RuleExportService: inner,
		tracker:           tracker,
		logger:            logger.Named("rule-download"),
	}
}

func (s *trackedRuleExportService) ExportJSON(ctx context.Context, scopeID int64) (*models.RuleGraphExport, error) {
	if err := s.begin(ctx, scopeID, "json"); err != nil {
		return nil, err
	}
	export, err := s.RuleExportService.ExportJSON(ctx, scopeID)
	if err != nil {
		s.finish(ctx, scopeID, "", err)
		return nil, err
	}
	s.finish(ctx, scopeID, fmt.Sprintf("Exported %d rules as json", len(export.Rules)), nil)
	return export, nil
}

func (s *trackedRuleExportService) ExportCSV(ctx context.Context, scopeID int64, w io.Writer) error {
	if err := s.begin(ctx, scopeID, "csv"); err != nil {
		return err
	}
	cw := &countingWriter{w: w}
	if err := s.RuleExportService.ExportCSV(ctx, scopeID, cw); err != nil {
		s.finish(ctx, scopeID, "", err)
		return err
	}
	s.finish(ctx, scopeID, fmt.Sprintf("Exported rules as csv (%d bytes)", cw.n), nil)
	return nil
}

func (s *trackedRuleExportService) begin(ctx context.Context, scopeID int64, format string) error {
	if _, err := s.tracker.Start(ctx, scopeID, models.JobStageDownloadRules); err != nil {
		return err
	}
	if err := s.tracker.Update(ctx, scopeID, models.JobStageDownloadRules, models.JobStatusInProgress, "Exporting rules as "+format); err != nil {
		return err
	}
	return nil
}

// finish writes the terminal status. A failed status write does not mask the export result.
func (s *trackedRuleExportService) finish(ctx context.Context, scopeID int64, detail string, exportErr error) {
	status := models.JobStatusComplete
	if exportErr != nil {
		status = models.JobStatusFailed
		detail = "Export failed: " + exportErr.Error()
	}
	if err := s.tracker.Update(ctx, scopeID, models.JobStageDownloadRules, status, detail); err != nil {
		s.logger.Warn("Failed to record download status",
			zap.Int64("scope_id", scopeID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
