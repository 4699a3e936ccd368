package database

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/logging"
)

// WithConnScope creates middleware that holds one pooled connection for the request.
// Repositories find it through GetConnScope; it is released when the handler returns.
// Pool exhaustion is reported as 503 so clients can retry.
func WithConnScope(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			scope, err := db.Acquire(r.Context())
			if err != nil {
				logger.Error("Failed to acquire database connection",
					zap.String("path", r.URL.Path),
					zap.Int32("acquired_conns", db.Stat().AcquiredConns()),
					zap.Int32("max_conns", db.Stat().MaxConns()),
					logging.Error(err))
				writeError(w, http.StatusServiceUnavailable, "database_unavailable", "Database connection unavailable")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetConnScope(r.Context(), scope)))
		}
	}
}

// writeError writes the same error envelope as the API handlers.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   errorCode,
		"message": message,
	})
}
