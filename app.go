package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/garvit1910/ctrl-hack-del/internal/config"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/grpcclient"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/model/onnx"
	"github.com/garvit1910/ctrl-hack-del/internal/preprocess"
	"github.com/garvit1910/ctrl-hack-del/internal/repository"
	"github.com/garvit1910/ctrl-hack-del/internal/usecase"
)

// Model names served by a remote model server.
const (
	spiralModelName = "spiral_cnn"
	waveModelName   = "wave_cnn"
)

// scoreCachePrefix namespaces score cache keys in a shared Redis.
const scoreCachePrefix = "pdscreen:"

// application holds everything a command needs, plus what must be closed
// when it exits.
type application struct {
	cfg        *config.Config
	models     *model.Models
	classifier *ensemble.Classifier
	uc         *usecase.PredictionUseCase
	closers    []func() error
}

// storage selects which optional backing services buildApplication connects.
type storage struct {
	cache bool
	audit bool
}

func buildApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger, use storage) (*application, error) {
	app := &application{cfg: cfg}

	classifier, err := ensemble.NewClassifier(ensemble.Weights{
		Spiral: cfg.Ensemble.SpiralWeight,
		Wave:   cfg.Ensemble.WaveWeight,
	})
	if err != nil {
		return nil, err
	}
	app.classifier = classifier

	spiralLoader, waveLoader, err := app.loaders(ctx, logger)
	if err != nil {
		return nil, app.close(err)
	}
	normalizer := preprocess.NewNormalizer(cfg.Image.Size)
	var modelOpts []model.Option
	if cfg.Models.Warmup {
		modelOpts = append(modelOpts, model.WithWarmup(normalizer.Size()))
	}
	app.models = model.NewModels(spiralLoader, waveLoader, logger, modelOpts...)
	app.closers = append(app.closers, app.models.Release)

	opts := []usecase.Option{usecase.WithRequestTimeout(cfg.Server.RequestTimeout)}
	if cfg.Models.TargetLayer != "" {
		opts = append(opts, usecase.WithTargetLayer(model.LayerID(cfg.Models.TargetLayer)))
	}

	if use.cache && cfg.Redis.Addr != "" {
		client, err := initRedis(ctx, cfg.Redis.Addr, logger)
		if err != nil {
			return nil, app.close(err)
		}
		app.closers = append(app.closers, client.Close)
		opts = append(opts, usecase.WithScoreCache(usecase.NewRedisCache(client, scoreCachePrefix), cfg.Redis.ScoreTTL))
	}

	if use.audit && cfg.Database.DSN != "" {
		db, err := initDatabase(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, app.close(err)
		}
		if sqlDB, err := db.DB(); err == nil {
			app.closers = append(app.closers, sqlDB.Close)
		}
		repo := repository.NewScreeningRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, app.close(fmt.Errorf("auto migrate: %w", err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}

	app.uc = usecase.NewPredictionUseCase(app.models, normalizer, classifier, logger, opts...)
	return app, nil
}

func (app *application) loaders(ctx context.Context, logger *zap.Logger) (model.Loader, model.Loader, error) {
	m := app.cfg.Models
	switch m.Backend {
	case config.BackendGRPC:
		conn, err := grpcclient.DialModelServer(ctx, m.GRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		app.closers = append(app.closers, conn.Close)
		return grpcclient.Loader(conn, spiralModelName, logger), grpcclient.Loader(conn, waveModelName, logger), nil
	default:
		return onnx.Loader(m.SpiralMetadata, m.ONNXLibrary, logger), onnx.Loader(m.WaveMetadata, m.ONNXLibrary, logger), nil
	}
}

// close runs every closer in reverse order and joins their errors with cause.
func (app *application) close(cause error) error {
	errs := []error{cause}
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	app.closers = nil
	return errors.Join(errs...)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("connected to database")
	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	zapLogger.Info("connected to redis", zap.String("addr", addr))
	return client, nil
}
