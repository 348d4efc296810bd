package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ferbert-dev/bro-messenger/internal/auth"
	"github.com/ferbert-dev/bro-messenger/internal/config"
	"github.com/ferbert-dev/bro-messenger/internal/directory"
	"github.com/ferbert-dev/bro-messenger/internal/logging"
	"github.com/ferbert-dev/bro-messenger/internal/server"
	"github.com/ferbert-dev/bro-messenger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", false).Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.IsDevelopment())
	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open message store")
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.Store.Driver).Msg("message store ready")

	dir, closeDir, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Directory.Driver).Msg("open directory")
	}
	defer closeDir()

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("create credential verifier")
	}

	hub, err := server.NewHub(server.Options{
		Config:    cfg,
		Store:     st,
		Directory: dir,
		Verifier:  verifier,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create hub")
	}

	router := server.NewRouter(hub, logging.Component(logger, "http"))
	srv := server.CreateServer(cfg.Port, router)

	go func() {
		logger.Info().Str("env", cfg.Env).Msg("starting chat server")
		if err := server.StartServer(srv, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	if err := server.ShutdownServer(srv, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("hub shutdown incomplete")
	}
	logger.Info().Msg("server stopped")
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig) (server.Directory, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := directory.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		static, err := directory.LoadFile(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		return static, func() {}, nil
	}
}
