package offline

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"

	"offlinegate/internal/cache"
)

func TestLifecycle_InstallActivateSupersede(t *testing.T) {
	o := newFakeOrigin(map[string]string{"/": "home", "/offline": "offline"})
	storage := cache.NewInMemoryStorage(cache.Options{})
	ctx := context.Background()

	// A store left behind by the previous deployment
	old, _ := storage.Open(ctx, "gbb-v1")
	old.Put(ctx, cache.Descriptor{Method: http.MethodGet, URL: origin + "/"}, &cache.Entry{StatusCode: 200, Body: []byte("old home")})

	m := newTestManager(t, o, storage)
	if m.State() != StateUninitialized {
		t.Fatalf("initial state = %s", m.State())
	}

	if err := m.OnInstall(ctx); err != nil {
		t.Fatalf("OnInstall: %v", err)
	}
	if m.State() != StateInstalling {
		t.Fatalf("state after install = %s, want installing", m.State())
	}
	if names, _ := storage.Names(ctx); !slices.Equal(names, []string{"gbb-v1", "gbb-v2"}) {
		t.Errorf("old store must survive until activation, Names = %v", names)
	}

	if err := m.OnActivate(ctx); err != nil {
		t.Fatalf("OnActivate: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state after activate = %s, want active", m.State())
	}
	if names, _ := storage.Names(ctx); !slices.Equal(names, []string{"gbb-v2"}) {
		t.Errorf("Names after activate = %v, want [gbb-v2]", names)
	}

	if err := m.OnInstall(ctx); !errors.Is(err, ErrLifecycle) {
		t.Errorf("second OnInstall err = %v, want ErrLifecycle", err)
	}

	if err := m.Supersede(); err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	if m.State() != StateSuperseded {
		t.Fatalf("state = %s, want superseded", m.State())
	}
	if err := m.OnActivate(ctx); !errors.Is(err, ErrLifecycle) {
		t.Errorf("OnActivate after supersede err = %v, want ErrLifecycle", err)
	}
}

func TestLifecycle_ActivateBeforeInstall(t *testing.T) {
	m := newTestManager(t, newFakeOrigin(nil), cache.NewInMemoryStorage(cache.Options{}))
	if err := m.OnActivate(context.Background()); !errors.Is(err, ErrLifecycle) {
		t.Errorf("err = %v, want ErrLifecycle", err)
	}
	if err := m.Supersede(); !errors.Is(err, ErrLifecycle) {
		t.Errorf("err = %v, want ErrLifecycle", err)
	}
}

func TestLifecycle_FailedInstallCanRetry(t *testing.T) {
	storage := &failingStorage{Storage: cache.NewInMemoryStorage(cache.Options{}), openErr: errors.New("locked")}
	m := newTestManager(t, newFakeOrigin(nil), storage)

	if err := m.OnInstall(context.Background()); err == nil {
		t.Fatal("OnInstall succeeded with a failing store")
	}
	if m.State() != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", m.State())
	}

	storage.openErr = nil
	if err := m.OnInstall(context.Background()); err != nil {
		t.Fatalf("retry OnInstall: %v", err)
	}
}

func TestOnFetch_PassThroughUntilActive(t *testing.T) {
	o := newFakeOrigin(map[string]string{"/2025/rule": "rules"})
	storage := cache.NewInMemoryStorage(cache.Options{})
	m := newTestManager(t, o, storage, func(c *Config) { c.SeedURLs = nil })
	ctx := context.Background()

	resp, err := m.OnFetch(get(t, "/2025/rule"))
	if err != nil {
		t.Fatalf("OnFetch: %v", err)
	}
	readBody(t, resp)
	if names, _ := storage.Names(ctx); len(names) != 0 {
		t.Errorf("inactive manager touched the cache: %v", names)
	}

	m.OnInstall(ctx)
	m.OnActivate(ctx)

	resp, err = m.OnFetch(get(t, "/2025/rule"))
	if err != nil {
		t.Fatalf("OnFetch: %v", err)
	}
	readBody(t, resp)
	if got, ok := storedBody(t, storage, "gbb-v2", "/2025/rule"); !ok || got != "rules" {
		t.Errorf("stored = %q, %v; want rules", got, ok)
	}

	m.Supersede()
	o.setDown(true)
	if _, err := m.OnFetch(get(t, "/2025/rule")); !errors.Is(err, ErrOffline) {
		t.Errorf("superseded OnFetch err = %v, want a network failure", err)
	}
}

func TestOnFetch_PolicyFromContext(t *testing.T) {
	o := newFakeOrigin(map[string]string{"/static/logo.png": "png"})
	storage := cache.NewInMemoryStorage(cache.Options{})
	m := newTestManager(t, o, storage, func(c *Config) { c.SeedURLs = nil })
	ctx := context.Background()
	m.OnInstall(ctx)
	m.OnActivate(ctx)

	s, _ := storage.Open(ctx, "gbb-v2")
	s.Put(ctx, cache.Descriptor{Method: http.MethodGet, URL: origin + "/static/logo.png"}, &cache.Entry{StatusCode: 200, Body: []byte("cached png")})

	req := get(t, "/static/logo.png")
	req = req.WithContext(WithPolicy(req.Context(), CacheFirst))
	resp, err := m.OnFetch(req)
	if err != nil {
		t.Fatalf("OnFetch: %v", err)
	}
	if body := readBody(t, resp); body != "cached png" {
		t.Errorf("body = %q, want the cache-first hit", body)
	}
	if n := o.callCount("/static/logo.png"); n != 0 {
		t.Errorf("network called %d times", n)
	}

	// Without the override the default network-first policy applies
	resp, err = m.OnFetch(get(t, "/static/logo.png"))
	if err != nil {
		t.Fatalf("OnFetch: %v", err)
	}
	if body := readBody(t, resp); body != "png" {
		t.Errorf("body = %q, want the network copy", body)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUninitialized: "uninitialized",
		StateInstalling:    "installing",
		StateActive:        "active",
		StateSuperseded:    "superseded",
		State(9):           "State(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}

// A request already inside the manager when it is superseded still gets its
// cached copy, but starts no background refresh that Wait could miss.
func TestSupersede_StopsRevalidation(t *testing.T) {
	o := newFakeOrigin(map[string]string{"/2025/result": "fresh"})
	storage := cache.NewInMemoryStorage(cache.Options{})
	m := newTestManager(t, o, storage, func(c *Config) { c.SeedURLs = nil })
	ctx := context.Background()

	if err := m.OnInstall(ctx); err != nil {
		t.Fatalf("OnInstall: %v", err)
	}
	if err := m.OnActivate(ctx); err != nil {
		t.Fatalf("OnActivate: %v", err)
	}
	s, _ := storage.Open(ctx, "gbb-v2")
	s.Put(ctx, cache.Descriptor{Method: http.MethodGet, URL: origin + "/2025/result"}, &cache.Entry{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       []byte("cached"),
	})

	if err := m.Supersede(); err != nil {
		t.Fatalf("Supersede: %v", err)
	}
	resp, err := m.HandleWith(get(t, "/2025/result"), StaleWhileRevalidate)
	if err != nil {
		t.Fatalf("HandleWith: %v", err)
	}
	if body := readBody(t, resp); body != "cached" {
		t.Errorf("body = %q, want cached", body)
	}
	m.Wait()

	if n := o.callCount("/2025/result"); n != 0 {
		t.Errorf("superseded manager refreshed %d times, want 0", n)
	}
	if got, _ := storedBody(t, storage, "gbb-v2", "/2025/result"); got != "cached" {
		t.Errorf("stored = %q, want cached", got)
	}
}
