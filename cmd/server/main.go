// Package main runs the service coordinator: HTTP API, dashboard WebSocket,
// device signal loop, session state machine, and the background uploader.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sermon-relay/backend/config"
	"github.com/sermon-relay/backend/internal/auth"
	"github.com/sermon-relay/backend/internal/automation"
	"github.com/sermon-relay/backend/internal/device"
	"github.com/sermon-relay/backend/internal/events"
	"github.com/sermon-relay/backend/internal/middleware"
	"github.com/sermon-relay/backend/internal/models"
	"github.com/sermon-relay/backend/internal/notify"
	"github.com/sermon-relay/backend/internal/realtime"
	"github.com/sermon-relay/backend/internal/recovery"
	"github.com/sermon-relay/backend/internal/selector"
	"github.com/sermon-relay/backend/internal/session"
	"github.com/sermon-relay/backend/internal/upload"
	"github.com/sermon-relay/backend/internal/uploader"
	"github.com/sermon-relay/backend/pkg/database"
	"github.com/sermon-relay/backend/pkg/redis"
	"github.com/sermon-relay/backend/pkg/response"

	"github.com/google/uuid"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	eventRepo := events.NewRepository(pool)

	// Repair persisted state before anything consumes it.
	cleaner := recovery.New(eventRepo, logger)
	if err := cleaner.Run(ctx); err != nil {
		logger.Fatal("recovery", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	hub.Start()
	defer hub.Stop()
	sink := notify.NewHubSink(hub, logger)

	// Upload destinations.
	platforms := make([]upload.Platform, 0, 2)
	yt := upload.NewYouTube(cfg.YouTube, logger)
	if yt.Configured() {
		platforms = append(platforms, yt)
	} else {
		logger.Warn("youtube upload disabled: credentials missing")
	}
	if cfg.Archive.Bucket != "" {
		archive, err := upload.NewS3Archive(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Warn("archive upload disabled", zap.Error(err))
		} else {
			platforms = append(platforms, archive)
		}
	}

	// Device link and session machine.
	deviceClient := device.NewClient(cfg.Device, logger)

	machine := session.NewMachine(eventRepo, deviceClient, nil, hub, logger)
	manager := upload.NewManager(eventRepo, platforms, func(eventID uuid.UUID, p models.PlatformProgress) {
		machine.SetProgress(eventID, p)
		hub.PublishProgress(eventID.String(), p)
	}, logger)

	drainer := uploader.New(eventRepo, manager, deviceClient,
		time.Duration(cfg.Uploader.StartupDelaySeconds)*time.Second,
		time.Duration(cfg.Uploader.ItemDelaySeconds)*time.Second,
		time.Duration(cfg.Uploader.IdleDelaySeconds)*time.Second,
		logger)
	if cancelWake, err := redisPubSub.SubscribeWake(drainer.Wake); err != nil {
		logger.Warn("uploader wake subscription failed", zap.Error(err))
	} else {
		defer cancelWake()
	}

	pick := selector.New(cfg.Selection, logger)
	auto := automation.New(cfg.Automation, eventRepo, pick, manager, machine, deviceClient, func() {
		drainer.Wake()
		_ = redisPubSub.PublishWake()
		sink.Notify(notify.LevelInfo, "Upload queued", "Recording queued for upload")
	}, logger)
	machine.SetAutomation(auto)
	// A stream stop opens the upload gate; wake the drainer and the worker so
	// held uploads start without waiting for the idle rescan.
	machine.OnStreamStop(func() {
		drainer.Wake()
		_ = redisPubSub.PublishWake()
	})

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Events, session, uploads
	eventHandler := events.NewHandler(eventRepo, machine, auto, manager, drainer, logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Events
		api.GET("/events", eventHandler.List)
		api.POST("/events", eventHandler.Create)
		api.GET("/events/today", eventHandler.Today)
		api.GET("/events/upcoming", eventHandler.Upcoming)
		api.GET("/events/past", eventHandler.Past)
		api.GET("/events/:id", eventHandler.GetByID)
		api.PATCH("/events/:id", eventHandler.Update)
		api.DELETE("/events/:id", middleware.RequireRole("admin"), eventHandler.Delete)

		// Live session
		api.GET("/session", eventHandler.SessionStatus)
		api.POST("/session/acknowledge", eventHandler.AcknowledgeError)

		// Post-event automation
		api.GET("/automation", eventHandler.AutomationStatus)
		api.POST("/events/:id/finalize", eventHandler.TriggerAutomation)

		// Uploads
		api.GET("/events/:id/uploads", eventHandler.ListUploads)
		api.DELETE("/events/:id/uploads/:platform", eventHandler.CancelUpload)
		api.POST("/uploads/wake", eventHandler.WakeUploader)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, machine))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: device link, signal consumer, upload queue.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go deviceClient.Run(bgCtx)
	go machine.Run(bgCtx, deviceClient.Signals())
	go drainer.Run(bgCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
