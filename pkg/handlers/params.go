package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ParseScopeID extracts and validates the scope (source table) ID from the request path.
// Returns the ID and true on success, or 0 and false on error
// (after writing an error response).
// Expects path parameter: sid
func ParseScopeID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	return parsePositiveInt(w, r, "sid", "invalid_scope_id", "Invalid scope ID format", logger)
}

// parsePositiveInt is the internal helper that does the actual parsing work.
func parsePositiveInt(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(pathParam), 10, 64)
	if err != nil || id < 1 {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return id, true
}
