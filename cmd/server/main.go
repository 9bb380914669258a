// Package main runs the live-stream HTTP API with WebSocket event feed and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/livestream/config"
	"github.com/aura-webinar/livestream/internal/app"
	"github.com/aura-webinar/livestream/internal/auth"
	"github.com/aura-webinar/livestream/internal/livestream"
	"github.com/aura-webinar/livestream/internal/middleware"
	"github.com/aura-webinar/livestream/internal/realtime"
	"github.com/aura-webinar/livestream/internal/recordings"
	"github.com/aura-webinar/livestream/internal/worker"
	"github.com/aura-webinar/livestream/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TokenTTL())
	streamHandler := livestream.NewHandler(a.Service, logger)
	recordingHandler := recordings.NewHandler(a.Coord, a.Authz, a.Presigner(), logger)

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(a.Metrics))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/ready", a.Readiness)
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	api := router.Group("/")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/streams", streamHandler.Start)
		api.POST("/streams/schedule", streamHandler.Schedule)
		api.GET("/streams", streamHandler.List)
		api.GET("/streams/:id", streamHandler.Status)
		api.GET("/streams/:id/stats", streamHandler.Stats)
		api.POST("/streams/:id/go-live", streamHandler.GoLive)
		api.POST("/streams/:id/end", streamHandler.End)

		api.POST("/streams/:id/recording/start", streamHandler.StartRecording)
		api.POST("/streams/:id/recording/stop", streamHandler.StopRecording)
		api.GET("/streams/:id/recording", streamHandler.RecordingStatus)

		api.GET("/recordings", recordingHandler.ListMine)
		api.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)
	}

	// Provider callbacks (no JWT; HMAC signature when PROVIDER_WEBHOOK_SECRET is set)
	hooks := router.Group("/webhooks/provider", middleware.WebhookSignature(cfg.Provider.WebhookSecret))
	hooks.POST("/stream-ended", streamHandler.ProviderEnded)
	hooks.POST("/recording", recordingHandler.ProviderUpdate)
	if cfg.Provider.WebhookSecret == "" {
		logger.Warn("provider webhooks are not signature checked")
	}

	// WebSocket (token in query; no Authorization header required)
	lookup := func(ctx context.Context, id uuid.UUID) (interface{}, error) {
		s, err := a.Registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.Public(), nil
	}
	router.GET("/ws/streams/:id", realtime.ServeWs(a.Hub, logger, jwtService.ValidateUser, lookup))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	if cfg.Reconcile.InServer {
		r := worker.NewReconciler(a.Coord, a.Registry, cfg.Reconcile.Interval(), cfg.Reconcile.BatchSize, logger)
		go func() { _ = r.Run(loopCtx) }()
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("store", cfg.Store),
			zap.String("provider", cfg.Provider.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	loopCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
