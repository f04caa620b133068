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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/auth"
	"github.com/garvit1910/ctrl-hack-del/internal/config"
	"github.com/garvit1910/ctrl-hack-del/internal/handlers"
	"github.com/garvit1910/ctrl-hack-del/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "pdscreen",
		Short:        "Parkinson's disease screening from spiral and wave drawings",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the screening HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve, newScreenCommand(&configPath))
	root.RunE = serve.RunE
	return root
}

func loadConfigAndLogger(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	app, err := buildApplication(startCtx, cfg, logger, storage{cache: true, audit: true})
	cancel()
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.close(nil); err != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(err))
		}
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	// Models load in the background so /health can report "loading".
	loadCtx, cancelLoad := context.WithCancel(ctx)
	defer cancelLoad()
	loadErr := make(chan error, 1)
	go func() {
		if err := app.models.Load(loadCtx); err != nil {
			if loadCtx.Err() != nil {
				return
			}
			logger.Error("model loading failed", zap.Error(err))
			loadErr <- err
			select {
			case signalCh <- syscall.SIGTERM:
			default:
			}
		}
	}()

	if cfg.Server.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(logger))
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	if !auth.Enabled(cfg.Auth.JWTSecret) {
		logger.Warn("JWT_SECRET not set; screening endpoints are unauthenticated")
	}
	handlers.RegisterRoutes(router, app.uc, app.models, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Audience), handlers.Options{
		Version:        cfg.Models.Version,
		ImageSize:      cfg.Image.Size,
		Weights:        app.classifier.Weights(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("screening API listening", zap.String("addr", cfg.Server.Addr), zap.String("backend", cfg.Models.Backend))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger, signalCh); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}

	select {
	case err := <-loadErr:
		return fmt.Errorf("models failed to load: %w", err)
	default:
		return nil
	}
}
