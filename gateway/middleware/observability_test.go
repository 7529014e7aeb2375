package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/observability/logging"
)

type observedRequest struct {
	route  string
	status int
}

type recordingObserver struct{ seen []observedRequest }

func (r *recordingObserver) Observe(module, _ string, status int, _ time.Duration) {
	r.seen = append(r.seen, observedRequest{route: module, status: status})
}

func TestObservabilityLogsMaskedRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	observer := &recordingObserver{}
	obs := NewObservability(ObservabilityConfig{LogRequests: true}, observer, nil, logger)
	handler := RequestID(obs.Middleware("escrows")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/1?token=abc", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTeapot, res.Code)
	require.Equal(t, []observedRequest{{route: "escrows", status: http.StatusTeapot}}, observer.seen)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "/v1/escrows/1", line["path"])
	require.Equal(t, http.MethodGet, line["method"])
	require.Equal(t, res.Header().Get(RequestIDHeader), line["request_id"])
	require.Equal(t, logging.RedactedValue, line["query"])
	require.NotContains(t, buf.String(), "abc")
}
