package tools

import (
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

// getOptionalString extracts an optional string argument from the request.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	val, ok := args[key].(string)
	if !ok {
		return ""
	}
	return trimString(val)
}

// requireScopeID extracts the scope_id argument. JSON numbers arrive as float64.
func requireScopeID(req mcp.CallToolRequest) (int64, error) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("scope_id is required")
	}
	val, ok := args["scope_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("scope_id is required and must be a number")
	}
	if val < 1 || val != math.Trunc(val) {
		return 0, fmt.Errorf("scope_id must be a positive integer, got %v", val)
	}
	return int64(val), nil
}
