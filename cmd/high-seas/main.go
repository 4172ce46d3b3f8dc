package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/high-seas/internal/client/apprise"
	"github.com/high-seas/internal/client/emby"
	"github.com/high-seas/internal/client/overseerr"
	"github.com/high-seas/internal/client/plex"
	"github.com/high-seas/internal/client/tmdb"
	"github.com/high-seas/internal/config"
	"github.com/high-seas/internal/handler"
	"github.com/high-seas/internal/scheduler"
	"github.com/high-seas/internal/service/catalog"
	"github.com/high-seas/internal/service/fulfill"
	"github.com/high-seas/internal/service/library"
	"github.com/high-seas/internal/service/notify"
	"github.com/high-seas/internal/service/orchestrator"
	"github.com/high-seas/internal/store"
	"github.com/high-seas/internal/version"
	"github.com/high-seas/pkg/logger"
)

func main() {
	isDev := os.Getenv("ENV") != "production"
	logger.Init(isDev, "")
	defer logger.Sync()

	version.PrintBanner(nil)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		logger.Fatalf("❌ Config error: %v", err)
	}
	cfg := cfgMgr.Get()
	if cfg.Log.Level != "" {
		logger.Init(isDev, cfg.Log.Level)
	}

	// Catalog
	tmdbClient := tmdb.NewClient(cfg.TMDb)
	catalogService := catalog.NewService(tmdbClient, cfg.Catalog.CacheTTL)
	logger.Infof("🎞️  Catalog: %s (cache ttl=%s, retries=%d)", cfg.TMDb.BaseURL, cfg.Catalog.CacheTTL, cfg.TMDb.RetryCount)

	// Library
	source := librarySource(cfg)
	index := library.NewIndex(source, cfg.Library.RefreshInterval)

	// Store
	st, err := openStore(cfg.Store)
	if err != nil {
		logger.Fatalf("❌ Store error: %v", err)
	}

	orch := orchestrator.NewService(st, catalogService, index, cfg.Orchestrator.MaxConcurrent)

	appriseClient := apprise.NewClient(cfg.Apprise)
	if appriseClient.IsEnabled() {
		orch.Subscribe(notify.NewService(appriseClient).Handle)
		tag := cfg.Apprise.Tag
		if tag == "" {
			tag = "all"
		}
		logger.Infof("🔔 Notifications: enabled (key=%s, tag=%s)", cfg.Apprise.Key, tag)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}

	if overseerrClient := overseerr.NewClient(cfg.Overseerr); overseerrClient.IsEnabled() {
		orch.Subscribe(fulfill.NewService(overseerrClient).Handle)
		logger.Infof("📤 Fulfillment: forwarding pending requests to Overseerr at %s", cfg.Overseerr.BaseURL)
	} else {
		logger.Info("📤 Fulfillment: disabled")
	}

	ctx := context.Background()
	if source != nil {
		if err := index.Refresh(ctx); err != nil {
			logger.Warnf("⚠️  Initial library refresh failed, starting with an empty index: %v", err)
		}
	}
	if _, err := orch.Resume(ctx); err != nil {
		logger.Errorf("❌ Resume failed: %v", err)
	}

	// Scheduler
	sched := scheduler.New(orch, catalogService)
	if err := sched.Start(schedule(cfg)); err != nil {
		logger.Fatalf("❌ Scheduler error: %v", err)
	}

	cfgMgr.OnChange(func(old, cur *config.Config) {
		if old.Scheduler.LibraryCron == cur.Scheduler.LibraryCron &&
			old.Scheduler.PurgeCron == cur.Scheduler.PurgeCron &&
			old.Store.Retention == cur.Store.Retention {
			return
		}
		if err := sched.Reschedule(schedule(cur)); err != nil {
			logger.Errorf("❌ Reschedule failed, keeping previous schedule: %v", err)
		}
	})

	// Initialize HTTP server
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := handler.New(orch, catalogService, index, sched)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("❌ Server error: %v", err)
		}
	}()

	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Accepting requests...")
	logger.Info("────────────────────────────────────────────────────────────────")

	if cfg.Scheduler.RunOnStart {
		logger.Info("")
		logger.Info("🚀 Running initial jobs (run_on_start=true)...")
		sched.RunNow()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfgMgr.Get().Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warnf("⚠️  %v", err)
	}
	if err := st.Close(); err != nil {
		logger.Errorf("❌ Store close error: %v", err)
	}

	logger.Info("👋 Goodbye!")
}

func librarySource(cfg *config.Config) library.Source {
	switch cfg.Library.Source {
	case "plex":
		logger.Infof("📚 Library: plex at %s (refresh every %s)", cfg.Plex.BaseURL, cfg.Library.RefreshInterval)
		return plex.NewClient(cfg.Plex)
	case "emby":
		logger.Infof("📚 Library: emby at %s (refresh every %s)", cfg.Emby.BaseURL, cfg.Library.RefreshInterval)
		return emby.NewClient(cfg.Emby)
	}
	logger.Info("📚 Library: none, every request ends pending")
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "sqlite" {
		return store.OpenSQLite(cfg.Path)
	}
	logger.Warn("⚠️  Using in-memory store, requests are lost on restart")
	return store.NewMemory(), nil
}

func schedule(cfg *config.Config) scheduler.Schedule {
	return scheduler.Schedule{
		LibraryCron: cfg.Scheduler.LibraryCron,
		PurgeCron:   cfg.Scheduler.PurgeCron,
		Retention:   cfg.Store.Retention,
	}
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Only log non-health endpoints or errors
		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
