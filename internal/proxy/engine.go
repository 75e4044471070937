package proxy

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/offline"
)

type Director interface {
	Direct(req *http.Request) (*http.Request, RouteMetadata, error)
}

type RouteMetadata struct {
	RouteName string
	// Policy overrides the manager default when set.
	Policy offline.Policy
}

// Engine is the HTTP face of the offline manager: every request is directed
// onto the origin and handed to the active manager's OnFetch.
type Engine struct {
	Director Director
	Logger   logging.Logger
	// OfflinePage is served with 503 to navigations that cannot be answered.
	OfflinePage string

	manager atomic.Pointer[offline.Manager]
}

func NewEngine(d Director, m *offline.Manager, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop{}
	}
	e := &Engine{
		Director: d,
		Logger:   logger,
	}
	e.manager.Store(m)
	return e
}

func (e *Engine) Manager() *offline.Manager {
	return e.manager.Load()
}

// Swap installs m as the serving manager and returns the previous one.
// Requests already in flight finish on the manager they started with.
func (e *Engine) Swap(m *offline.Manager) *offline.Manager {
	return e.manager.Swap(m)
}

func (e *Engine) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()

	outReq, meta, err := e.Director.Direct(req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadGateway)
		metrics.ObserveRequest("", req.Method, strconv.Itoa(http.StatusBadGateway), time.Since(start))
		return
	}
	if meta.Policy != "" {
		outReq = outReq.WithContext(offline.WithPolicy(outReq.Context(), meta.Policy))
	}

	m := e.manager.Load()
	resp, err := m.OnFetch(outReq)
	if err != nil {
		code := e.fail(rw, req, m, err)
		metrics.ObserveRequest(meta.RouteName, req.Method, strconv.Itoa(code), time.Since(start))
		return
	}
	defer resp.Body.Close()

	copyHeader(rw.Header(), resp.Header)

	trailerKeys := make([]string, 0, len(resp.Trailer))
	for k := range resp.Trailer {
		trailerKeys = append(trailerKeys, k)
	}
	if len(trailerKeys) > 0 {
		rw.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	rw.WriteHeader(resp.StatusCode)

	var dst io.Writer = rw
	if f, ok := rw.(http.Flusher); ok && resp.ContentLength < 0 {
		// Streamed origin responses reach the client as they arrive.
		dst = flushWriter{w: rw, f: f}
	}
	_, copyErr := io.Copy(dst, resp.Body)

	for k, values := range resp.Trailer {
		for _, v := range values {
			rw.Header().Set(k, v)
		}
	}

	if copyErr != nil {
		e.Logger.Warn("copy response body failed", "url", outReq.URL.String(), "err", copyErr)
	}
	metrics.ObserveRequest(meta.RouteName, req.Method, strconv.Itoa(resp.StatusCode), time.Since(start))
}

// fail writes the response for a request the manager could not answer and
// returns its status code.
func (e *Engine) fail(rw http.ResponseWriter, req *http.Request, m *offline.Manager, err error) int {
	e.Logger.Warn("request failed", "method", req.Method, "path", req.URL.Path, "err", err)

	if e.OfflinePage != "" && isNavigation(req) {
		page, lerr := m.Lookup(req.Context(), e.OfflinePage)
		if lerr != nil {
			e.Logger.Warn("offline page lookup failed", "page", e.OfflinePage, "err", lerr)
		}
		if page != nil {
			copyHeader(rw.Header(), page.Header)
			rw.Header().Del("Content-Length")
			rw.Header().Set(offline.CacheStatusHeader, "offline")
			rw.Header().Set("Cache-Control", "no-store")
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = rw.Write(page.Body)
			return http.StatusServiceUnavailable
		}
	}

	code := http.StatusBadGateway
	if errors.Is(err, offline.ErrOffline) {
		code = http.StatusGatewayTimeout
	}
	http.Error(rw, http.StatusText(code), code)
	return code
}

// isNavigation reports whether req loads a document rather than a
// subresource.
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}
