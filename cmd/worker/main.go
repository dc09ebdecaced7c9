// Package main runs the standalone upload worker: it drains the upload
// queue without hosting the HTTP API or the device link. Deploy it when
// uploads should survive coordinator restarts or run on a different host.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sermon-relay/backend/config"
	"github.com/sermon-relay/backend/internal/events"
	"github.com/sermon-relay/backend/internal/models"
	"github.com/sermon-relay/backend/internal/notify"
	"github.com/sermon-relay/backend/internal/realtime"
	"github.com/sermon-relay/backend/internal/upload"
	"github.com/sermon-relay/backend/internal/uploader"
	"github.com/sermon-relay/backend/pkg/database"
	"github.com/sermon-relay/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	eventRepo := events.NewRepository(pool)

	platforms := make([]upload.Platform, 0, 2)
	yt := upload.NewYouTube(cfg.YouTube, logger)
	if yt.Configured() {
		platforms = append(platforms, yt)
	}
	if cfg.Archive.Bucket != "" {
		archive, err := upload.NewS3Archive(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Warn("archive upload disabled", zap.Error(err))
		} else {
			platforms = append(platforms, archive)
		}
	}
	if len(platforms) == 0 {
		logger.Fatal("no upload platform configured")
	}

	sink := notify.NewLogSink(logger)

	// Progress frames go out over Redis so coordinator-hosted dashboards
	// see uploads this process runs.
	manager := upload.NewManager(eventRepo, platforms, func(eventID uuid.UUID, p models.PlatformProgress) {
		data, err := json.Marshal(map[string]interface{}{
			"event_id": eventID.String(),
			"progress": p,
		})
		if err != nil {
			return
		}
		if err := redisPubSub.Publish(realtime.EventUploadProgress, data); err != nil {
			logger.Debug("publish progress", zap.Error(err))
		}
		switch p.Status {
		case models.UploadStatusCompleted:
			sink.Notify(notify.LevelSuccess, "Upload completed", p.Platform+" upload finished for event "+eventID.String())
		case models.UploadStatusFailed:
			sink.Notify(notify.LevelError, "Upload failed", p.Platform+" upload failed for event "+eventID.String())
		}
	}, logger)

	drainer := uploader.New(eventRepo, manager, nil,
		time.Duration(cfg.Uploader.StartupDelaySeconds)*time.Second,
		time.Duration(cfg.Uploader.ItemDelaySeconds)*time.Second,
		time.Duration(cfg.Uploader.IdleDelaySeconds)*time.Second,
		logger)
	if cancelWake, err := redisPubSub.SubscribeWake(drainer.Wake); err != nil {
		logger.Warn("uploader wake subscription failed", zap.Error(err))
	} else {
		defer cancelWake()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go drainer.Run(workerCtx)
	logger.Info("upload worker started", zap.Strings("platforms", manager.Platforms()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("upload worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
