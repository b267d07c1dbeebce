package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codejudge/internal/auth"
	"codejudge/internal/common/cache"
	"codejudge/internal/common/db"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/common/storage"
	"codejudge/internal/judge/interpreter"
	"codejudge/internal/judge/judgeclient"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/poller"
	"codejudge/internal/leaderboard"
	problemRepo "codejudge/internal/problem/repository"
	"codejudge/internal/submit/controller"
	submitRepo "codejudge/internal/submit/repository"
	"codejudge/internal/submit/service"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/submit_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, appCfg); err != nil {
		logger.Error(context.Background(), "submit service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, appCfg *AppConfig) error {
	checks := make(map[string]controller.HealthCheck)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()
	checks["redis"] = redisCache.Ping

	var (
		submissions submitRepo.SubmissionRepository
		problems    problemRepo.ProblemRepository
	)
	switch appCfg.Submit.Store {
	case storeMySQL:
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.MySQL)
		if err != nil {
			return fmt.Errorf("init database failed: %w", err)
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		checks["mysql"] = mysqlDB.Ping
		submissions = submitRepo.NewMySQLSubmissionRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submit.SubmissionCacheTTL, appCfg.Submit.SubmissionEmptyTTL)
		problems = problemRepo.NewMySQLProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submit.ProblemCacheTTL, appCfg.Submit.ProblemEmptyTTL)
	default:
		logger.Warn(ctx, "using in-memory submission store", zap.Int("problems", len(appCfg.Submit.Problems)))
		submissions = submitRepo.NewMemorySubmissionRepository()
		problems = problemRepo.NewStaticRepository(appCfg.Submit.Problems...)
	}

	var mqClient *mq.KafkaQueue
	if appCfg.Poller.Scheduler == schedulerKafka || appCfg.Submit.FinalStatusTopic != "" {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
		checks["kafka"] = mqClient.Ping
	}

	var objStorage storage.ObjectStorage
	if appCfg.Submit.ArchiveSource {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		objStorage = minioStorage
	}

	languages, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init language registry failed: %w", err)
	}
	judge, err := judgeclient.NewClient(appCfg.Judge, nil)
	if err != nil {
		return fmt.Errorf("init judge client failed: %w", err)
	}
	board, err := leaderboard.NewService(submissions, redisCache, appCfg.Leaderboard)
	if err != nil {
		return fmt.Errorf("init leaderboard failed: %w", err)
	}

	handlers := []poller.FinalStatusHandler{board}
	if appCfg.Submit.FinalStatusTopic != "" {
		publisher, err := service.NewMQFinalStatusPublisher(mqClient, appCfg.Submit.FinalStatusTopic, appCfg.Submit.FinalStatusTimeout)
		if err != nil {
			return fmt.Errorf("init final status publisher failed: %w", err)
		}
		handlers = append(handlers, publisher)
	}

	interp := interpreter.New(appCfg.Submit.Delimiter)
	poll, err := poller.New(poller.Options{
		Judge:       judge,
		Store:       submissions,
		Problems:    problems,
		Interpreter: interp,
		Config:      appCfg.Poller.Config,
		Handlers:    handlers,
	})
	if err != nil {
		return fmt.Errorf("init poller failed: %w", err)
	}
	logger.Info(ctx, "poller configured",
		zap.String("scheduler", appCfg.Poller.Scheduler),
		zap.Int("max_attempts", poll.Config().MaxAttempts),
		zap.Duration("worst_case", poll.Config().WorstCase()),
	)

	// Poll loops outlive the signal context so shutdown can drain them.
	pollCtx := context.WithoutCancel(ctx)
	var (
		scheduler     poller.Scheduler
		stopScheduler func(context.Context) error
	)
	switch appCfg.Poller.Scheduler {
	case schedulerKafka:
		queueCfg := appCfg.Poller.Queue
		// Pool workers also cap in-flight poll attempts across consumer goroutines.
		queueCfg.Subscribe.Limiter = mq.NewTokenLimiter(appCfg.Poller.Pool.Workers)
		queueScheduler, err := poller.NewQueueScheduler(poll, mqClient, queueCfg)
		if err != nil {
			return fmt.Errorf("init poll queue failed: %w", err)
		}
		if err := queueScheduler.Subscribe(pollCtx); err != nil {
			return fmt.Errorf("subscribe poll topic failed: %w", err)
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer failed: %w", err)
		}
		scheduler = queueScheduler
		stopScheduler = func(context.Context) error { return mqClient.Stop() }
	default:
		pool := poller.NewPoolScheduler(poll, appCfg.Poller.Pool)
		pool.Start(pollCtx)
		scheduler = pool
		stopScheduler = pool.Stop
	}

	submitService, err := service.NewSubmitService(service.Config{
		Store:               submissions,
		Problems:            problems,
		Languages:           languages,
		Judge:               judge,
		Scheduler:           scheduler,
		Interpreter:         interp,
		Cache:               redisCache,
		Storage:             objStorage,
		FinalStatusHandlers: handlers,
		SourceBucket:        appCfg.Submit.SourceBucket,
		SourceKeyPrefix:     appCfg.Submit.SourceKeyPrefix,
		MaxCodeBytes:        appCfg.Submit.MaxCodeBytes,
		IdempotencyTTL:      appCfg.Submit.IdempotencyTTL,
		RateLimit:           appCfg.Submit.RateLimit,
		Timeouts:            appCfg.Submit.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init submit service failed: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(appCfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg.Server, controller.NewSubmitController(submitService, board), authenticator, checks)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "submit http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "http server shutdown failed", zap.Error(err))
		}
		if err := stopScheduler(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "poll scheduler stop failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

func buildHTTPServer(cfg ServerConfig, submitController *controller.SubmitController, authenticator *auth.Authenticator, checks map[string]controller.HealthCheck) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.CORSMiddleware(cfg.CORS))
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", controller.Health(cfg.HealthTimeout, checks))

	api := router.Group("/api/v1")
	api.GET("/languages", submitController.Languages)
	api.GET("/leaderboard/:problemId", submitController.Leaderboard)

	authed := api.Group("", authenticator.Middleware())
	authed.POST("/submissions", submitController.Create)
	authed.GET("/submissions/:id", submitController.GetStatus)
	authed.GET("/history", submitController.History)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
