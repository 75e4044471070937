package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"offlinegate/internal/logging"
)

func TestAccessLog_AssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOptions(&buf, "info", "json")

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		if r.Header.Get(RequestIDHeader) != seen {
			t.Errorf("request header %q does not match context %q", r.Header.Get(RequestIDHeader), seen)
		}
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/2025/result", nil)
	rr := httptest.NewRecorder()
	AccessLog(logger)(next).ServeHTTP(rr, req)

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("request id %q is not a uuid: %v", seen, err)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response %s = %q, want %q", RequestIDHeader, rr.Header().Get(RequestIDHeader), seen)
	}
	out := buf.String()
	for _, want := range []string{`"status":418`, `"path":"/2025/result"`, `"bytes":15`, seen} {
		if !strings.Contains(out, want) {
			t.Errorf("access log %q missing %s", out, want)
		}
	}
}

func TestAccessLog_KeepsIncomingRequestID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "edge-42" {
			t.Errorf("request id = %q, want edge-42", got)
		}
	})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set(RequestIDHeader, "edge-42")
	rr := httptest.NewRecorder()
	AccessLog(logging.Nop{})(next).ServeHTTP(rr, req)

	if rr.Header().Get(RequestIDHeader) != "edge-42" {
		t.Errorf("response %s = %q", RequestIDHeader, rr.Header().Get(RequestIDHeader))
	}
}
