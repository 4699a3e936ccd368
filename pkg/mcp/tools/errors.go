package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
)

// ErrorResponse represents a structured error in tool results.
// Actionable errors are returned as a tool result rather than a protocol
// error so the calling agent can read them.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use this for errors the caller can act on (bad parameters, unknown scope).
// System failures should still return Go errors.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	resp := ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	}
	jsonBytes, _ := json.Marshal(resp)
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// actionableError converts domain errors into an error result. It returns
// nil for errors that are system failures.
func actionableError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("scope_not_found", err.Error())
	case errors.Is(err, apperrors.ErrScopeLocked):
		return NewErrorResult("generation_running", err.Error())
	case errors.Is(err, apperrors.ErrMissingLinkage):
		return NewErrorResult("missing_linkage", err.Error())
	}
	return nil
}
