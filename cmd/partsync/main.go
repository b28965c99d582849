package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/partsync/internal/config"
	"github.com/agentworkforce/partsync/internal/contentassist"
	"github.com/agentworkforce/partsync/internal/httpapi"
	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/prefs"
	"github.com/agentworkforce/partsync/internal/reconcile"
	"github.com/agentworkforce/partsync/internal/remotestore"
	"github.com/agentworkforce/partsync/internal/session"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	once := flag.Bool("once", false, "run one forced resync, print the status and exit")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logx.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Init(cfg.LogOptions())
	logger := logx.Component("partsync")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := cfg.LoadCatalog()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load catalog")
	}
	catalogs := inventory.NewCatalogSource(catalog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	remoteOpts := cfg.RemoteOptions()
	remoteOpts.HTTPClient = &http.Client{Timeout: cfg.SyncConfig.ReadTimeout}
	remoteOpts.Logger = &logger
	client, err := remotestore.NewHTTPClient(cfg.SyncConfig.RemoteURL, remoteOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize remote store client")
	}

	engineOpts := cfg.EngineOptions()
	engineOpts.Catalog = catalogs.Current
	engineOpts.Metrics = reconcile.NewMetrics(registry)
	engineOpts.Logger = &logger
	engine, err := reconcile.NewEngine(client, engineOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize reconciliation engine")
	}
	defer engine.Close()

	sessions, err := session.NewManager(session.Config{
		JWTSecret: cfg.AuthConfig.JWTSecret,
		TenantID:  cfg.AuthConfig.TenantID,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sessions")
	}
	detach := engine.AttachSession(sessions)
	defer detach()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.SyncConfig.ReadTimeout)
		defer cancel()
		if _, err := engine.Resync(ctx, true); err != nil {
			logger.Fatal().Err(err).Msg("resync failed")
		}
		st := engine.Status()
		logger.Info().Int("active", st.ActiveCount).Int("sales", st.SalesCount).Msg("resync completed")
		return
	}

	if cfg.AuthConfig.ServiceToken != "" {
		// Signing in triggers the initial forced resync.
		if _, err := sessions.SignIn(cfg.AuthConfig.ServiceToken); err != nil {
			logger.Fatal().Err(err).Msg("service token rejected")
		}
	} else {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.SyncConfig.ReadTimeout)
		if _, err := engine.Resync(ctx, true); err != nil {
			logger.Warn().Err(err).Msg("initial resync failed; serving empty state")
		}
		cancel()
	}

	prefStore := buildPrefs(rootCtx, cfg, &logger)
	assistant := buildAssistant(rootCtx, cfg, catalogs, &logger)

	api := httpapi.NewServer(httpapi.Deps{
		Engine:    engine,
		Sessions:  sessions,
		Assistant: assistant,
		Prefs:     prefStore,
		Catalog:   catalogs.Current,
		Logger:    &logger,
	}, httpapi.ServerConfig{
		RateLimitMax:    cfg.HTTPConfig.RateLimitMax,
		RateLimitWindow: cfg.HTTPConfig.RateLimitWindow,
		MaxBodyBytes:    cfg.HTTPConfig.MaxBodyBytes,
		AllowedOrigins:  cfg.HTTPConfig.AllowedOrigins,
	})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", api)
	srv := &http.Server{
		Addr:              cfg.HTTPConfig.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("partsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPConfig.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Expiry emits SIGNED_OUT, which clears the engine.
		sessions.WatchExpiry(ctx, cfg.AuthConfig.ExpiryCheck)
		return nil
	})
	if cfg.SyncConfig.PollInterval > 0 {
		g.Go(func() error {
			pollLoop(ctx, engine, cfg.SyncConfig.PollInterval, clampJitterRatio(cfg.SyncConfig.PollJitter), cfg.SyncConfig.ReadTimeout, &logger)
			return nil
		})
	}
	if cfg.CatalogConfig.File != "" {
		g.Go(func() error {
			if err := catalogs.WatchFile(ctx, cfg.CatalogConfig.File, &logger); err != nil {
				logger.Warn().Err(err).Msg("catalog watcher stopped")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("partsync stopped with error")
		return
	}
	logger.Info().Msg("partsync stopped")
}

// pollLoop runs non-forced resyncs on a jittered interval. They are skipped
// by the engine while a local action is within its cooldown.
func pollLoop(ctx context.Context, engine *reconcile.Engine, interval time.Duration, jitter float64, timeout time.Duration, logger *zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			ran, err := engine.Resync(runCtx, false)
			cancel()
			switch {
			case err != nil:
				logger.Warn().Err(err).Msg("background resync failed")
			case !ran:
				logger.Debug().Msg("background resync skipped during cooldown")
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func buildPrefs(ctx context.Context, cfg config.AppConfig, logger *zerolog.Logger) prefs.Store {
	if cfg.PrefsConfig.RedisURL == "" {
		return prefs.NewMemoryStore()
	}
	rdb, err := prefs.NewRedisClient(ctx, cfg.RedisConfig())
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable; keeping preferences in memory")
		return prefs.NewMemoryStore()
	}
	return prefs.NewRedisStore(rdb, cfg.PrefsConfig.TTL)
}

func buildAssistant(ctx context.Context, cfg config.AppConfig, catalogs *inventory.CatalogSource, logger *zerolog.Logger) contentassist.Assistant {
	gcfg := cfg.GeminiConfig()
	gcfg.Catalog = catalogs.Current
	gcfg.Logger = logger
	assistant, err := contentassist.NewGemini(ctx, gcfg)
	if err != nil {
		if !errors.Is(err, contentassist.ErrUnavailable) {
			logger.Warn().Err(err).Msg("content assist disabled")
		}
		return contentassist.Disabled{}
	}
	return assistant
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
