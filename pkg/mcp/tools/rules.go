package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

// RuleToolDeps contains the dependencies for the mapping rule tools.
type RuleToolDeps struct {
	Tracker      services.JobTracker
	Exports      services.RuleExportService
	Concepts     services.ConceptResolver // optional; enables lookup_concept
	ScopeContext database.ScopeContextFunc
	Logger       *zap.Logger
}

type ruleStatusResult struct {
	ScopeID int64                   `json:"scope_id"`
	Latest  *models.JobStatusView   `json:"latest"`
	Stages  []*models.JobStatusView `json:"stages"`
}

type ruleCSVResult struct {
	ScopeID int64  `json:"scope_id"`
	Format  string `json:"format"`
	CSV     string `json:"csv"`
}

// RegisterRuleTools adds the read-only mapping rule tools to the MCP server.
func RegisterRuleTools(s *server.MCPServer, deps *RuleToolDeps) {
	registerRuleStatusTool(s, deps)
	registerExportRulesTool(s, deps)
	if deps.Concepts != nil {
		registerLookupConceptTool(s, deps)
	}
}

func registerRuleStatusTool(s *server.MCPServer, deps *RuleToolDeps) {
	tool := mcp.NewTool(
		"get_rule_generation_status",
		mcp.WithDescription(
			"Returns the latest job of a scan report scope and the latest job of every stage. "+
				"Use this to poll a rule generation run started over HTTP.",
		),
		mcp.WithNumber(
			"scope_id",
			mcp.Required(),
			mcp.Description("Scan report scope to inspect"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scopeID, err := requireScopeID(req)
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}

		ctx, cleanup, err := deps.ScopeContext(ctx)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		latest, err := deps.Tracker.GetStatus(ctx, scopeID)
		if err != nil {
			if result := actionableError(err); result != nil {
				return result, nil
			}
			return nil, fmt.Errorf("failed to get job status: %w", err)
		}
		stages, err := deps.Tracker.ListStatuses(ctx, scopeID)
		if err != nil {
			return nil, fmt.Errorf("failed to list job statuses: %w", err)
		}

		return jsonResult(ruleStatusResult{ScopeID: scopeID, Latest: latest, Stages: stages})
	})
}

func registerExportRulesTool(s *server.MCPServer, deps *RuleToolDeps) {
	tool := mcp.NewTool(
		"export_mapping_rules",
		mcp.WithDescription(
			"Exports the generated mapping rules of a scope. "+
				"JSON lists destination tables in dependency order; CSV has one row per rule.",
		),
		mcp.WithNumber(
			"scope_id",
			mcp.Required(),
			mcp.Description("Scan report scope to export"),
		),
		mcp.WithString(
			"format",
			mcp.Description("Output format: json (default) or csv"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scopeID, err := requireScopeID(req)
		if err != nil {
			return NewErrorResult("invalid_parameters", err.Error()), nil
		}
		format := getOptionalString(req, "format")
		if format == "" {
			format = "json"
		}
		if format != "json" && format != "csv" {
			return NewErrorResultWithDetails("invalid_format",
				fmt.Sprintf("format must be json or csv, got %q", format),
				map[string]any{"allowed": []string{"json", "csv"}}), nil
		}

		ctx, cleanup, err := deps.ScopeContext(ctx)
		if err != nil {
			return nil, err
		}
		defer cleanup()

		if format == "csv" {
			var buf bytes.Buffer
			if err := deps.Exports.ExportCSV(ctx, scopeID, &buf); err != nil {
				if result := actionableError(err); result != nil {
					return result, nil
				}
				return nil, fmt.Errorf("failed to export rules: %w", err)
			}
			return jsonResult(ruleCSVResult{ScopeID: scopeID, Format: format, CSV: buf.String()})
		}

		export, err := deps.Exports.ExportJSON(ctx, scopeID)
		if err != nil {
			if result := actionableError(err); result != nil {
				return result, nil
			}
			return nil, fmt.Errorf("failed to export rules: %w", err)
		}
		if deps.Logger != nil {
			deps.Logger.Debug("Exported rules over MCP",
				zap.Int64("scope_id", scopeID),
				zap.Int("rules", len(export.Rules)))
		}
		return jsonResult(export)
	})
}

func registerLookupConceptTool(s *server.MCPServer, deps *RuleToolDeps) {
	tool := mcp.NewTool(
		"lookup_concept",
		mcp.WithDescription(
			"Looks an OMOP concept up by vocabulary and code, the way a data dictionary import does. "+
				"Use this to check a dictionary row before building concepts from it.",
		),
		mcp.WithString(
			"vocabulary_id",
			mcp.Required(),
			mcp.Description("Vocabulary of the code, e.g. SNOMED or ICD10"),
		),
		mcp.WithString(
			"code",
			mcp.Required(),
			mcp.Description("Concept code within the vocabulary"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		vocabularyID := getOptionalString(req, "vocabulary_id")
		code := getOptionalString(req, "code")
		if vocabularyID == "" || code == "" {
			return NewErrorResult("invalid_parameters", "vocabulary_id and code are required"), nil
		}

		concept, err := deps.Concepts.ResolveCode(ctx, vocabularyID, code)
		if errors.Is(err, apperrors.ErrNotFound) {
			return NewErrorResultWithDetails("concept_not_found",
				fmt.Sprintf("no concept for %s code %q", vocabularyID, code),
				map[string]any{"vocabulary_id": vocabularyID, "code": code}), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up concept: %w", err)
		}
		return jsonResult(concept)
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
