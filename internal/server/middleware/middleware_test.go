package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/raffle", nil, http.StatusUnauthorized},
		{"wrong", "/api/raffle", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key", "/api/raffle", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", "/api/raffle", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"exempt", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	Auth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/raffle", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "disabled without a key")
}

type countingLimiter struct {
	n   int
	err error
}

func (l *countingLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	l.n++
	return l.n <= limit, l.err
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error { return l.err }

func TestRateLimit(t *testing.T) {
	l := &countingLimiter{}
	h := RateLimit(l, "enter", 1, time.Minute, discardLogger())(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/raffle/enter", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/raffle/enter", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	failing := RateLimit(&countingLimiter{n: 10, err: errors.New("redis down")}, "enter", 1, time.Minute, discardLogger())(okHandler)
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/raffle/enter", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "fails open")
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", extractClientIP(req))
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", extractClientIP(req))
}

func TestHMAC(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "raffle", Secret: "shh"}
	h := HMAC(auth, discardLogger())(okHandler)
	body := `{"consumer":"raffle"}`

	req := httptest.NewRequest(http.MethodPost, "/api/vrf/requests", strings.NewReader(body))
	for k, v := range auth.Headers(http.MethodPost, "/api/vrf/requests", body) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String(), "body survives verification")

	req = httptest.NewRequest(http.MethodPost, "/api/vrf/requests", strings.NewReader(`{"consumer":"evil"}`))
	for k, v := range auth.Headers(http.MethodPost, "/api/vrf/requests", body) {
		req.Header.Set(k, v)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://Raffle.example/"})(okHandler)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/vrf/requests", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://raffle.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://raffle.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/api/raffle", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "simple requests pass; the browser enforces the missing header")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}} {
		req := httptest.NewRequest(http.MethodOptions, "/api/raffle", nil)
		req.Header.Set("Origin", "https://anywhere.example")
		rec := httptest.NewRecorder()
		CORS(origins)(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

// accessLog captures the JSON access log lines of a Logging middleware.
func accessLog(t *testing.T, h http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Logging(logger, "/api/health")(h).ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestLoggingCarriesAnnotations(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), slog.Uint64("round", 7), slog.String("request_id", "42"))
		w.WriteHeader(http.StatusAccepted)
	})
	line := accessLog(t, h, httptest.NewRequest(http.MethodPost, "/api/upkeep", nil))

	assert.Equal(t, "http request", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, float64(http.StatusAccepted), line["status"])
	assert.Equal(t, float64(7), line["round"])
	assert.Equal(t, "42", line["request_id"])
	assert.NotContains(t, line, "query", "empty query omitted")
}

func TestLoggingLevels(t *testing.T) {
	status := func(code int) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) })
	}
	tests := []struct {
		path string
		code int
		want string
	}{
		{"/api/health", http.StatusOK, "DEBUG"},
		{"/api/health", http.StatusServiceUnavailable, "ERROR"},
		{"/api/vrf/fulfill", http.StatusForbidden, "WARN"},
		{"/api/raffle", http.StatusUnauthorized, "WARN"},
		{"/api/raffle/enter", http.StatusPaymentRequired, "INFO"},
		{"/api/vrf/fulfill", http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		line := accessLog(t, status(tt.code), httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, line["level"], "%s %d", tt.path, tt.code)
	}
}

func TestAnnotateOutsideLogging(t *testing.T) {
	assert.NotPanics(t, func() { Annotate(context.Background(), slog.Int("round", 1)) })
}
