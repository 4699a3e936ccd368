package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serveMCP(t *testing.T, logger *zap.Logger, reqBody, respBody string) *httptest.ResponseRecorder {
	t.Helper()
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respBody))
	})

	rec := httptest.NewRecorder()
	MCPRequestLogger(logger)(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(reqBody)))
	assert.Equal(t, reqBody, seen, "request body must be restored for the next handler")
	return rec
}

func TestMCPRequestLogger(t *testing.T) {
	const call = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"export_mapping_rules","arguments":{"scope_id":7,"format":"csv"}}}`

	t.Run("success", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		rec := serveMCP(t, zap.New(core), call, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{}"}]}}`)

		assert.Contains(t, rec.Body.String(), `"result"`)
		require.Equal(t, 2, logs.Len())

		request := logs.All()[0]
		assert.Equal(t, "MCP request", request.Message)
		assert.Equal(t, "tools/call", request.ContextMap()["method"])
		assert.Equal(t, "export_mapping_rules", request.ContextMap()["tool"])

		response := logs.All()[1]
		assert.Equal(t, "MCP response success", response.Message)
		assert.NotNil(t, response.ContextMap()["duration"])
	})

	t.Run("protocol error", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		serveMCP(t, zap.New(core), call, `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"connection refused"}}`)

		require.Equal(t, 2, logs.Len())
		response := logs.All()[1]
		assert.Equal(t, "MCP response error", response.Message)
		assert.Equal(t, zapcore.WarnLevel, response.Level)
		assert.Equal(t, int64(-32603), response.ContextMap()["error_code"])
		assert.Equal(t, "connection refused", response.ContextMap()["error_message"])
	})

	t.Run("tool error result", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		serveMCP(t, zap.New(core), call, `{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[{"type":"text","text":"{\"code\":\"scope_not_found\"}"}]}}`)

		require.Equal(t, 2, logs.Len())
		assert.Equal(t, "MCP tool error", logs.All()[1].Message)
	})

	t.Run("invalid json still reaches handler", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		rec := serveMCP(t, zap.New(core), `not json`, `also not json`)

		assert.Equal(t, "also not json", rec.Body.String())
		assert.GreaterOrEqual(t, logs.Len(), 2)
	})

	t.Run("nil logger passes through", func(t *testing.T) {
		rec := serveMCP(t, nil, call, `{"jsonrpc":"2.0","id":1,"result":{}}`)
		assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
	})
}

func TestSanitizeArguments(t *testing.T) {
	long := strings.Repeat("x", 250)
	got := sanitizeArguments(map[string]any{
		"scope_id":       7.0,
		"redis_password": "hunter2",
		"api_token":      "abc",
		"format":         long,
	})

	assert.Equal(t, 7.0, got["scope_id"])
	assert.Equal(t, "[REDACTED]", got["redis_password"])
	assert.Equal(t, "[REDACTED]", got["api_token"])
	assert.Equal(t, strings.Repeat("x", maxLoggedArgLen)+"...", got["format"])
	assert.Nil(t, sanitizeArguments(nil))
}
