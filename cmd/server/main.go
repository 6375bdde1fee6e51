// Package main runs the tutoring platform HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opentutor/backend/config"
	"github.com/opentutor/backend/internal/auth"
	"github.com/opentutor/backend/internal/board"
	"github.com/opentutor/backend/internal/lessons"
	"github.com/opentutor/backend/internal/middleware"
	"github.com/opentutor/backend/internal/reaper"
	"github.com/opentutor/backend/internal/realtime"
	"github.com/opentutor/backend/internal/sessions"
	"github.com/opentutor/backend/internal/worker"
	"github.com/opentutor/backend/pkg/database"
	"github.com/opentutor/backend/pkg/queue"
	"github.com/opentutor/backend/pkg/redis"
	"github.com/opentutor/backend/pkg/response"
	"github.com/opentutor/backend/pkg/storage"
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

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			SnapshotsBucket:      cfg.AWS.SnapshotsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Lessons (lesson ID doubles as the room ID)
	lessonRepo := lessons.NewRepository(pool)
	lessonHandler := lessons.NewHandler(lessonRepo, logger)

	// Board: operation log, sequencer, query cache
	boardRepo := board.NewRepository(pool)
	boardCache := board.NewCache(
		time.Duration(cfg.Board.CacheTTLSeconds)*time.Second, cfg.Board.CacheMaxOps)
	boardCache.StartSweep(time.Duration(cfg.Board.CacheSweepMinutes) * time.Minute)
	boardSvc := board.NewService(boardRepo, boardCache, hub, lessonRepo, cfg.Board.ListBatchSize, logger)
	boardHandler := board.NewHandler(boardSvc, s3Client, logger)

	// Session lifecycle with post-completion maintenance jobs
	jobQueue := queue.NewQueue(rdb.Client, logger)
	sessionRepo := sessions.NewRepository(pool)
	sessionSvc := sessions.NewService(sessionRepo, lessonRepo, boardSvc, jobQueue, hub, logger)
	sessionHandler := sessions.NewHandler(sessionSvc, logger)

	// Reaper: closes sessions nobody ended
	sessionReaper := reaper.New(sessionSvc,
		time.Duration(cfg.Lesson.ReaperIntervalMinutes)*time.Minute,
		time.Duration(cfg.Lesson.MaxDurationMinutes)*time.Minute,
		time.Duration(cfg.Lesson.AbandonCeilingHours)*time.Hour,
		logger)
	sessionReaper.Start()

	jwtValidate := func(token string) (userID uuid.UUID, name, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", "", err
		}
		return claims.UserID, claims.FullName, claims.Role, nil
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
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)
		lessonHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
		boardHandler.RegisterRoutes(api)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate, boardSvc, sessionSvc))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process board maintenance worker (snapshot archive, history purge)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if s3Client != nil {
		boardProcessor := worker.NewBoardProcessor(boardRepo, s3Client, jobQueue, cfg.Board.ListBatchSize, logger)
		go func() {
			boardProcessor.Run(workerCtx)
			close(workerDone)
		}()
		logger.Info("board worker started")
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	<-workerDone
	sessionReaper.Stop()
	boardCache.StopSweep()
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
