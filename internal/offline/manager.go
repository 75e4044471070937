// Package offline decides, per request, whether to answer from a named cache
// store or from the network, and keeps that store populated.
package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"offlinegate/internal/cache"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
)

// CacheStatusHeader is set on every response served from a store.
const CacheStatusHeader = "X-Offlinegate-Cache"

type Transport interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

type Config struct {
	// StoreName is the store this version reads and writes.
	StoreName string
	// AllowList is kept on activation; StoreName is always added.
	AllowList []string
	SeedURLs  []string
	Policy    Policy
	// Origin resolves relative seed and feed URLs.
	Origin *url.URL
	// MaxBodyBytes caps stored bodies; larger responses are served but not
	// stored. Zero means no cap.
	MaxBodyBytes int64
	SyncTag      string
	FeedPath     string
}

type Manager struct {
	cfg       Config
	storage   cache.Storage
	transport Transport
	logger    logging.Logger
	now       func() time.Time

	state atomic.Int32
	// bgMu orders bg.Add against Supersede so Wait never races a new
	// revalidation.
	bgMu sync.RWMutex
	bg   sync.WaitGroup
}

func NewManager(cfg Config, storage cache.Storage, transport Transport, logger logging.Logger) (*Manager, error) {
	if cfg.StoreName == "" {
		return nil, errors.New("offline: store name is required")
	}
	if cfg.Origin == nil {
		return nil, errors.New("offline: origin is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = NetworkFirst
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if !slices.Contains(cfg.AllowList, cfg.StoreName) {
		cfg.AllowList = append([]string{cfg.StoreName}, cfg.AllowList...)
	}
	if logger == nil {
		logger = logging.Nop{}
	}

	m := &Manager{
		cfg:       cfg,
		storage:   storage,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
	metrics.SetLifecycleState(cfg.StoreName, float64(StateUninitialized))
	return m, nil
}

func (m *Manager) StoreName() string {
	return m.cfg.StoreName
}

func (m *Manager) Policy() Policy {
	return m.cfg.Policy
}

// Initialize opens the named store and caches every seed URL. Seeds that fail
// to fetch or answer non-200 are logged and left out; only a store-open
// failure is returned.
func (m *Manager) Initialize(ctx context.Context, storeName string, seedURLs []string) error {
	store, err := m.storage.Open(ctx, storeName)
	if err != nil {
		return fmt.Errorf("open store %q: %w", storeName, err)
	}

	seeded := 0
	for _, raw := range seedURLs {
		if err := m.seed(ctx, store, raw); err != nil {
			metrics.IncSeedFailure(storeName)
			m.logger.Warn("seed failed", "store", storeName, "url", raw, "err", err)
			continue
		}
		seeded++
	}

	m.logger.Info("store initialized", "store", storeName, "seeded", seeded, "seeds", len(seedURLs))
	return nil
}

func (m *Manager) seed(ctx context.Context, store cache.Store, raw string) error {
	u, err := m.resolve(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, entry, err := m.fetch(req)
	if err != nil {
		return err
	}
	discard(resp)

	if entry == nil {
		return fmt.Errorf("origin answered %d or body exceeded %d bytes", resp.StatusCode, m.cfg.MaxBodyBytes)
	}
	if err := store.Put(ctx, cache.NewDescriptor(req), entry); err != nil {
		return fmt.Errorf("(Store).Put failed: %w", err)
	}
	return nil
}

// Handle resolves req with the manager's default policy.
func (m *Manager) Handle(req *http.Request) (*http.Response, error) {
	return m.HandleWith(req, m.cfg.Policy)
}

// HandleWith resolves req with an explicit policy. Requests that are not
// cacheable always go straight to the network.
func (m *Manager) HandleWith(req *http.Request, policy Policy) (*http.Response, error) {
	if policy == NetworkOnly || !Cacheable(req) {
		return m.passThrough(req, policy)
	}

	ctx := req.Context()
	store, err := m.storage.Open(ctx, m.cfg.StoreName)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", m.cfg.StoreName, err)
	}
	d := cache.NewDescriptor(req)

	switch policy {
	case CacheFirst:
		return m.cacheFirst(req, store, d)
	case StaleWhileRevalidate:
		return m.staleWhileRevalidate(req, store, d)
	case NetworkFirst:
		return m.networkFirst(req, store, d)
	default:
		return nil, fmt.Errorf("unknown caching policy %q", policy)
	}
}

func (m *Manager) networkFirst(req *http.Request, store cache.Store, d cache.Descriptor) (*http.Response, error) {
	resp, entry, err := m.fetch(req)
	if err == nil {
		if entry != nil {
			m.put(req.Context(), store, d, entry)
		}
		return resp, nil
	}
	metrics.IncNetworkFailure(string(NetworkFirst))

	if cached := m.match(req.Context(), store, d); cached != nil {
		metrics.IncCacheFallback(string(NetworkFirst))
		m.logger.Info("network failed, serving cached copy", "store", store.Name(), "url", d.URL, "err", err)
		return fromCache(cached, req), nil
	}
	metrics.IncCacheMiss(string(NetworkFirst))
	return nil, fmt.Errorf("%w: %s: %w", ErrOffline, d, err)
}

func (m *Manager) cacheFirst(req *http.Request, store cache.Store, d cache.Descriptor) (*http.Response, error) {
	if cached := m.match(req.Context(), store, d); cached != nil {
		metrics.IncCacheHit(string(CacheFirst))
		return fromCache(cached, req), nil
	}
	metrics.IncCacheMiss(string(CacheFirst))
	return m.fetchAndStore(req, store, d, CacheFirst)
}

func (m *Manager) staleWhileRevalidate(req *http.Request, store cache.Store, d cache.Descriptor) (*http.Response, error) {
	if cached := m.match(req.Context(), store, d); cached != nil {
		metrics.IncCacheHit(string(StaleWhileRevalidate))
		m.revalidate(req, store, d)
		return fromCache(cached, req), nil
	}
	metrics.IncCacheMiss(string(StaleWhileRevalidate))
	return m.fetchAndStore(req, store, d, StaleWhileRevalidate)
}

func (m *Manager) fetchAndStore(req *http.Request, store cache.Store, d cache.Descriptor, policy Policy) (*http.Response, error) {
	resp, entry, err := m.fetch(req)
	if err != nil {
		metrics.IncNetworkFailure(string(policy))
		return nil, fmt.Errorf("%w: %s: %w", ErrOffline, d, err)
	}
	if entry != nil {
		m.put(req.Context(), store, d, entry)
	}
	return resp, nil
}

// revalidate refreshes d in the background. The refresh outlives the request
// that triggered it.
func (m *Manager) revalidate(req *http.Request, store cache.Store, d cache.Descriptor) {
	m.bgMu.RLock()
	defer m.bgMu.RUnlock()
	if m.State() == StateSuperseded {
		m.logger.Debug("revalidation skipped, manager superseded", "store", store.Name(), "url", d.URL)
		return
	}

	ctx := context.WithoutCancel(req.Context())
	bgReq := req.Clone(ctx)

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()

		resp, entry, err := m.fetch(bgReq)
		if err != nil {
			metrics.IncRevalidation("error")
			metrics.IncNetworkFailure(string(StaleWhileRevalidate))
			m.logger.Warn("revalidation failed", "store", store.Name(), "url", d.URL, "err", err)
			return
		}
		discard(resp)

		if entry == nil {
			metrics.IncRevalidation("skipped")
			m.logger.Debug("revalidation not stored", "store", store.Name(), "url", d.URL, "status", resp.StatusCode)
			return
		}
		m.put(ctx, store, d, entry)
		metrics.IncRevalidation("updated")
	}()
}

func (m *Manager) passThrough(req *http.Request, policy Policy) (*http.Response, error) {
	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		metrics.IncNetworkFailure(string(policy))
		return nil, fmt.Errorf("%w: %s %s: %w", ErrOffline, req.Method, req.URL, err)
	}
	return resp, nil
}

// Wait blocks until every background revalidation has finished. Call it once
// the manager is superseded or no requests are in flight.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Lookup returns the cached GET entry for rawURL in the manager's store, or
// nil when there is none.
func (m *Manager) Lookup(ctx context.Context, rawURL string) (*cache.Entry, error) {
	u, err := m.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	store, err := m.storage.Open(ctx, m.cfg.StoreName)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", m.cfg.StoreName, err)
	}
	return store.Match(ctx, cache.Descriptor{Method: http.MethodGet, URL: u.String()})
}

// Evict deletes every store whose name is not in allowList and returns the
// names it deleted. It keeps going past individual failures.
func (m *Manager) Evict(ctx context.Context, allowList []string) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("(Storage).Names failed: %w", err)
	}

	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if slices.Contains(allowList, name) {
			continue
		}
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete store %q: %w", name, err))
			continue
		}
		if ok {
			deleted = append(deleted, name)
			metrics.IncEvictedStore()
			m.logger.Info("store evicted", "store", name)
		}
	}
	return deleted, errors.Join(errs...)
}

// fetch performs req on the network. When the response is storable its body
// is buffered and returned as an entry as well; resp.Body is always readable
// by the caller.
func (m *Manager) fetch(req *http.Request) (*http.Response, *cache.Entry, error) {
	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil, nil
	}

	var buf bytes.Buffer
	var body io.Reader = resp.Body
	if m.cfg.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, m.cfg.MaxBodyBytes+1)
	}
	if _, err := buf.ReadFrom(body); err != nil {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("(*http.Response).Body.Read failed: %w", err)
	}

	if m.cfg.MaxBodyBytes > 0 && int64(buf.Len()) > m.cfg.MaxBodyBytes {
		// Too large to store; hand back what was read followed by the rest.
		resp.Body = &prefixedBody{Reader: io.MultiReader(&buf, resp.Body), Closer: resp.Body}
		return resp, nil, nil
	}

	if err := resp.Body.Close(); err != nil {
		return nil, nil, fmt.Errorf("(*http.Response).Body.Close failed: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	resp.ContentLength = int64(buf.Len())

	return resp, &cache.Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(buf.Bytes()),
		StoredAt:   m.now(),
	}, nil
}

func (m *Manager) match(ctx context.Context, store cache.Store, d cache.Descriptor) *cache.Entry {
	e, err := store.Match(ctx, d)
	if err != nil {
		m.logger.Warn("cache read failed", "store", store.Name(), "url", d.URL, "err", err)
		return nil
	}
	return e
}

func (m *Manager) put(ctx context.Context, store cache.Store, d cache.Descriptor, e *cache.Entry) {
	if err := store.Put(ctx, d, e); err != nil {
		m.logger.Warn("cache write failed", "store", store.Name(), "url", d.URL, "err", err)
	}
}

func (m *Manager) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	return m.cfg.Origin.ResolveReference(ref), nil
}

// Cacheable reports whether req may be read from or written to a store.
func Cacheable(req *http.Request) bool {
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return req.Header.Get("Range") == ""
}

func fromCache(e *cache.Entry, req *http.Request) *http.Response {
	resp := e.Response(req)
	resp.Header.Set(CacheStatusHeader, "hit")
	return resp
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

type prefixedBody struct {
	io.Reader
	io.Closer
}
