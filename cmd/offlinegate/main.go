package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offlinegate/internal/config"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/proxy"
)

func main() {
	configPath := flag.String("config", "./configs/offlinegate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewWithOptions(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	metrics.Init()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	gw, err := proxy.NewBuilder(cfg, logger).Build(bgCtx)
	if err != nil {
		log.Fatalf("build: %v", err)
	}

	m := gw.Engine.Manager()
	if err := m.OnInstall(bgCtx); err != nil {
		log.Fatalf("install %s: %v", m.StoreName(), err)
	}
	if err := m.OnActivate(bgCtx); err != nil {
		log.Fatalf("activate %s: %v", m.StoreName(), err)
	}

	for _, lst := range gw.Listeners {
		go func(lst *proxy.ListenerServer) {
			logger.Info("listening", "listener", lst.Name, "addr", lst.Server.Addr, "tls", lst.TLS.Enabled)
			var err error
			if lst.TLS.Enabled {
				err = lst.Server.ListenAndServeTLS(lst.TLS.CertFile, lst.TLS.KeyFile)
			} else {
				err = lst.Server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("listener %s: %v", lst.Name, err)
			}
		}(lst)
	}

	if cfg.Sync.Interval > 0 {
		go runSync(bgCtx, gw.Engine, cfg.Sync.Tag, cfg.Sync.Interval, logger)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for running := true; running; {
		select {
		case <-hup:
			cfg = reload(bgCtx, *configPath, cfg, gw, logger)
		case <-stop:
			running = false
		}
	}

	logger.Info("shutting down gracefully")
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, lst := range gw.Listeners {
		if err := lst.Server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", "listener", lst.Name, "err", err)
		}
	}
	gw.Engine.Manager().Wait()
	if err := gw.Storage.Close(); err != nil {
		logger.Error("close storage failed", "err", err)
	}
	gw.Transport.CloseIdleConnections()
}

// reload re-reads the config and, when cache.name changed, rolls the gateway
// over to a new version: install and activate a manager for the new store,
// swap it in and retire the old one. Sections read only at startup are
// reported and left as they were. It returns the config now in effect.
func reload(ctx context.Context, path string, cur *config.Config, gw *proxy.Gateway, logger logging.Logger) *config.Config {
	next, err := config.Load(path)
	if err != nil {
		logger.Error("reload config failed", "err", err)
		return cur
	}
	if sections := cur.RestartRequired(next); len(sections) > 0 {
		logger.Warn("config changes need a restart, ignoring them", "sections", sections)
	}
	if next.Cache.Name == cur.Cache.Name {
		logger.Info("no cache rollover, cache name unchanged", "store", cur.Cache.Name)
		return cur
	}

	applied := cur.Rollover(next)
	m, err := proxy.NewManager(applied, gw.Storage, gw.Transport, logger)
	if err != nil {
		logger.Error("new version rejected", "store", applied.Cache.Name, "err", err)
		return cur
	}
	if err := m.OnInstall(ctx); err != nil {
		logger.Error("install failed", "store", applied.Cache.Name, "err", err)
		return cur
	}
	if err := m.OnActivate(ctx); err != nil {
		logger.Error("activate failed", "store", applied.Cache.Name, "err", err)
		return cur
	}

	old := gw.Engine.Swap(m)
	if err := old.Supersede(); err != nil {
		logger.Warn("supersede failed", "store", old.StoreName(), "err", err)
	}
	old.Wait()
	logger.Info("version rolled over", "from", old.StoreName(), "to", m.StoreName())
	return applied
}

func runSync(ctx context.Context, e *proxy.Engine, tag string, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Manager().OnSync(ctx, tag); err != nil {
				logger.Debug("periodic sync failed", "err", err)
			}
		}
	}
}
