package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewTo_LevelByEnv(t *testing.T) {
	var buf bytes.Buffer
	NewTo("production", &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug must be suppressed in production, got %q", buf.String())
	}
	NewTo("dev", &buf).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug must be emitted in dev, got %q", buf.String())
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	if From(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
	l := NewTo("dev", &bytes.Buffer{})
	if From(With(context.Background(), l)) != l {
		t.Fatalf("expected stored logger")
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewTo("local", &buf)

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/v1/x", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	req.Header.Set(headerRequestID, "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line not json: %v", err)
		}
		if m["request_id"] != "rid-1" {
			t.Fatalf("missing request_id in %q", line)
		}
	}
}
