package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/profilebot/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	handler := chimw.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", nil)
	req.Header.Set("X-Request-Id", "req-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "request completed", entry["msg"])
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, float64(http.StatusServiceUnavailable), entry["status"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "/webhooks/telegram", entry["path"])
}
