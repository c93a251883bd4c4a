package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/cache"
	"github.com/san-kum/object-tracker/server/config"
	"github.com/san-kum/object-tracker/server/detection"
	"github.com/san-kum/object-tracker/server/handlers"
	"github.com/san-kum/object-tracker/server/middleware"
	"github.com/san-kum/object-tracker/server/ml"
	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/processor"
	"github.com/san-kum/object-tracker/server/session"
	"github.com/san-kum/object-tracker/server/tracker"
)

const (
	cacheSweepInterval = time.Minute
	modelInfoTimeout   = 2 * time.Second
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	session     *session.Session
	probe       *ml.Client
	cache       *cache.MemoryCache[[]models.RawDetection]
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	server.startBackground(background)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("session_id", server.session.ID()),
			zap.Int("pool_size", server.session.Dispatcher().PoolSize()))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopBackground()
	if err := multierr.Combine(
		srv.Shutdown(ctx),
		server.session.Shutdown(ctx),
	); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	clientConfig := ml.ClientConfig{
		Timeout:     cfg.Detector.Timeout,
		MaxRetries:  cfg.Detector.MaxRetries,
		RetryDelay:  cfg.Detector.RetryDelay,
		JPEGQuality: cfg.Detector.JPEGQuality,
	}
	factory := ml.NewDetectorFactory(cfg.Detector.BaseURL, clientConfig, logger)

	var detectionCache *cache.MemoryCache[[]models.RawDetection]
	if cfg.Cache.MaxEntries > 0 {
		detectionCache = cache.NewMemoryCache[[]models.RawDetection](cfg.Cache.MaxEntries, cfg.Cache.TTL, logger)
		factory = cache.WrapFactory(factory, detectionCache)
	}

	parallelism := cfg.Pipeline.PoolSize
	if parallelism == 0 {
		parallelism = runtime.NumCPU()
	}
	pool, err := processor.NewDetectorPool(parallelism, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector pool: %w", err)
	}

	normalizer := detection.NewNormalizer(float32(cfg.Pipeline.ConfidenceThreshold))
	dispatcher := processor.NewDispatcher(pool, normalizer, logger)

	tr := tracker.NewTracker(tracker.Config{
		MaxMissedFrames:   uint64(cfg.Pipeline.MaxMissedFrames),
		DirectionDeadband: cfg.Pipeline.DirectionDeadband,
		EventBuffer:       cfg.Pipeline.EventBuffer,
	}, logger)

	sess := session.New(dispatcher, tr, session.Config{
		ExportDir:         cfg.Export.ExportDir,
		AnnotationDir:     cfg.Export.AnnotationDir,
		RetainFrames:      cfg.Pipeline.RetainFrames,
		StreamRetainLimit: cfg.Pipeline.StreamRetainLimit,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	// Health probes run on their own client, outside the pool.
	probe := ml.NewClient(cfg.Detector.BaseURL, -1, clientConfig, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))

	streamHandler := handlers.NewStreamHandler(sess, cfg.Detector.InputSize, cfg.Export.BatchRoot, logger)
	streamHandler.AddStatsSource("model", probe.ModelInfoReport(modelInfoTimeout))
	streamHandler.AddStatsSource("rate_limiter", func() any { return rateLimiter.GetGlobalStats() })
	if detectionCache != nil {
		streamHandler.AddStatsSource("detection_cache", func() any { return detectionCache.GetStats() })
	}
	wsHandler := handlers.NewWebSocketHandler(streamHandler, cfg.Security.AllowedOrigins, logger)

	handlers.SetupRoutes(router, wsHandler, streamHandler, handlers.RouteConfig{
		RateLimiter: rateLimiter,
		Health:      middleware.HealthCheck(probe.HealthCheck),
		RPS:         cfg.Security.RateLimitRPS,
		Burst:       cfg.Security.RateLimitBurst,
	})

	return &Server{
		router:      router,
		logger:      logger,
		session:     sess,
		probe:       probe,
		cache:       detectionCache,
		rateLimiter: rateLimiter,
		config:      cfg,
	}, nil
}

// startBackground runs the periodic housekeeping loops until ctx is done.
func (s *Server) startBackground(ctx context.Context) {
	go s.rateLimiter.Run(ctx)
	go s.probe.WatchHealth(ctx, s.config.Detector.HealthCheckInterval)
	if s.cache != nil {
		go s.cache.Run(ctx, cacheSweepInterval)
	}
}
