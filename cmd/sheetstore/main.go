package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentworkforce/partsync/internal/config"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/sheetstore"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.LoadSheetstore(*envFile)
	if err != nil {
		logx.Fatal().Err(err).Msg("invalid configuration")
	}
	logx.Init(logx.Options{Environment: logx.ParseEnvironment(cfg.LogEnv)})
	logger := logx.Component("sheetstore")
	if logx.ParseEnvironment(cfg.LogEnv) == logx.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := buildStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sheet store")
	}
	defer store.Close()

	server, err := sheetstore.NewServer(store, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sheet store server")
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	names := store.Names()
	logger.Info().Str("addr", cfg.Addr).Str("inventory", names.Inventory).Str("sales", names.Sales).Str("removed", names.Removed).Msg("sheet store listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server failed")
	}
}

func buildStore(cfg config.SheetstoreConfig) (*sheetstore.Store, error) {
	dsn, err := cfg.StateBackendDSN()
	if err != nil {
		return nil, err
	}
	backend, err := sheetstore.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	logger := logx.Component("sheetstore")
	return sheetstore.NewStore(backend, sheetstore.SheetNames{
		Inventory: cfg.SheetConfig.Inventory,
		Sales:     cfg.SheetConfig.Sales,
		Removed:   cfg.SheetConfig.Removed,
	}, &logger)
}
