package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/redis/go-redis/v9"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/boltcache"
	"offlinegate/internal/cache/rediscache"
	"offlinegate/internal/config"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/middleware"
	"offlinegate/internal/offline"
	"offlinegate/internal/upstream"
)

type ListenerServer struct {
	Name   string
	Server *http.Server
	TLS    config.TLSConfig
}

// Gateway is everything Build wires together. Storage and Transport outlive
// any single manager so a version rollover can reuse them.
type Gateway struct {
	Engine    *Engine
	Storage   cache.Storage
	Transport *http.Transport
	Listeners []*ListenerServer
}

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

// Build opens the storage backend and assembles the engine and listeners.
// The returned manager is uninitialized; the caller drives its lifecycle.
func (b *Builder) Build(ctx context.Context) (*Gateway, error) {
	origin, err := url.Parse(b.cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	storage, err := b.BuildStorage(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := upstream.NewTransport(upstream.Options{
		InsecureSkipVerify:    b.cfg.Origin.InsecureSkipVerify,
		DialTimeout:           b.cfg.Origin.DialTimeout,
		ResponseHeaderTimeout: b.cfg.Origin.ResponseHeaderTimeout,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	manager, err := NewManager(b.cfg, storage, transport, b.logger)
	if err != nil {
		storage.Close()
		return nil, err
	}

	director, err := b.buildDirector(origin)
	if err != nil {
		storage.Close()
		return nil, err
	}
	engine := NewEngine(director, manager, b.logger)
	engine.OfflinePage = b.cfg.Offline.Page

	mws := []middleware.Middleware{middleware.AccessLog(b.logger)}
	if len(b.cfg.Server.IPBlockCIDRs) > 0 {
		ipMw, err := middleware.IPFilter(b.logger, b.cfg.Server.IPBlockCIDRs, b.cfg.Server.TrustedProxyCIDRs)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("invalid ip filter cidrs: %w", err)
		}
		mws = append(mws, ipMw)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /-/healthz", healthHandler(engine))
	mux.Handle("POST /-/sync", syncHandler(engine, b.cfg.Sync.Tag))
	mux.Handle("/", middleware.Chain(engine, mws...))

	return &Gateway{
		Engine:    engine,
		Storage:   storage,
		Transport: transport,
		Listeners: []*ListenerServer{
			{
				Name: "default",
				Server: &http.Server{
					Addr:    b.cfg.Server.Address,
					Handler: mux,
				},
				TLS: b.cfg.Server.TLS,
			},
		},
	}, nil
}

// BuildStorage opens the configured cache backend.
func (b *Builder) BuildStorage(ctx context.Context) (cache.Storage, error) {
	opts := cache.Options{
		MaxEntries: b.cfg.Cache.MaxEntries,
		MaxAge:     b.cfg.Cache.MaxAge,
	}

	switch b.cfg.Cache.Backend {
	case config.BackendMemory:
		return cache.NewInMemoryStorage(opts), nil
	case config.BackendBolt:
		s, err := boltcache.Open(b.cfg.Cache.Bolt.Path, 0o600, nil, opts)
		if err != nil {
			return nil, fmt.Errorf("open bbolt storage: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     b.cfg.Cache.Redis.Addr,
			Password: b.cfg.Cache.Redis.Password,
			DB:       b.cfg.Cache.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("(*redis.Client).Ping failed: %w", err)
		}
		if opts.MaxEntries > 0 {
			b.logger.Warn("cache.maxEntries is not enforced by the redis backend", "maxEntries", opts.MaxEntries)
		}
		return rediscache.New(client, b.cfg.Cache.Redis.Prefix, opts), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", b.cfg.Cache.Backend)
	}
}

// NewManager builds the offline manager for the version cfg describes.
func NewManager(cfg *config.Config, storage cache.Storage, transport offline.Transport, logger logging.Logger) (*offline.Manager, error) {
	origin, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	policy, err := offline.ParsePolicy(cfg.Cache.Policy)
	if err != nil {
		return nil, err
	}
	return offline.NewManager(offline.Config{
		StoreName:    cfg.Cache.Name,
		AllowList:    cfg.AllowList(),
		SeedURLs:     cfg.Cache.SeedURLs,
		Policy:       policy,
		Origin:       origin,
		MaxBodyBytes: cfg.Cache.MaxBodyBytes,
		SyncTag:      cfg.Sync.Tag,
		FeedPath:     cfg.Sync.FeedPath,
	}, storage, transport, logger)
}

func (b *Builder) buildDirector(origin *url.URL) (*SimpleDirector, error) {
	var routes []SimpleRoute
	for _, r := range b.cfg.Routes {
		var policy offline.Policy
		if r.Policy != "" {
			p, err := offline.ParsePolicy(r.Policy)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", b.cfg.RouteName(r), err)
			}
			policy = p
		}
		routes = append(routes, SimpleRoute{
			Prefix: r.PathPrefix,
			Name:   b.cfg.RouteName(r),
			Policy: policy,
		})
	}
	return NewSimpleDirector(origin, routes, SimpleRoute{Name: "default"}), nil
}

func healthHandler(e *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := e.Manager()
		code := http.StatusOK
		if m.State() != offline.StateActive {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		fmt.Fprintf(w, "%s %s\n", m.StoreName(), m.State())
	})
}

func syncHandler(e *Engine, defaultTag string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			tag = defaultTag
		}
		if err := e.Manager().OnSync(r.Context(), tag); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
