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

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	commonmw "codegrader/internal/common/http/middleware"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/internal/grading/controller"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/harness"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
	"codegrader/internal/grading/service"
	"codegrader/internal/grading/worker"
	"codegrader/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_api.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	jobQueue, err := queue.New(redisCache.Client(), appCfg.Queue)
	if err != nil {
		logger.Error(context.Background(), "init queue failed", zap.Error(err))
		return
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		if err := minioStorage.EnsureBucket(context.Background(), appCfg.Grading.SourceBucket); err != nil {
			logger.Error(context.Background(), "ensure source bucket failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	}

	pistonClient, err := executor.NewPistonClient(executor.Config{
		BaseURL:        appCfg.Piston.BaseURL,
		RequestTimeout: appCfg.Piston.RequestTimeout,
		LimitOverhead:  appCfg.Piston.LimitOverhead,
	})
	if err != nil {
		logger.Error(context.Background(), "init piston client failed", zap.Error(err))
		return
	}

	testCaseRepo := repository.NewTestCaseRepository(mysqlDB)
	grader, err := harness.New(harness.Config{
		Executor:     pistonClient,
		TestCases:    testCaseRepo,
		Retries:      appCfg.Piston.Retries,
		RetryInitial: appCfg.Piston.RetryInitial,
		RetryMax:     appCfg.Piston.RetryMax,
	})
	if err != nil {
		logger.Error(context.Background(), "init harness failed", zap.Error(err))
		return
	}

	gradingService, err := service.New(service.Config{
		DB:              mysqlDB,
		Assignments:     repository.NewAssignmentRepository(mysqlDB, redisCache, appCfg.Grading.AssignmentCacheTTL),
		Submissions:     repository.NewSubmissionRepository(mysqlDB),
		TestResults:     repository.NewTestResultRepository(mysqlDB),
		Grader:          grader,
		Executor:        pistonClient,
		Queue:           jobQueue,
		Cache:           redisCache,
		Storage:         objStorage,
		SourceBucket:    appCfg.Grading.SourceBucket,
		SourceKeyPrefix: appCfg.Grading.SourceKeyPrefix,
		MaxSubmissions:  appCfg.Grading.MaxSubmissions,
		MaxCodeBytes:    appCfg.Grading.MaxCodeBytes,
		JobPriority:     appCfg.Grading.JobPriority,
		RateLimit:       appCfg.Grading.RateLimit,
		Timeouts:        appCfg.Grading.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init grading service failed", zap.Error(err))
		return
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	if appCfg.Worker.Enabled {
		observers := []worker.Observer{worker.LogObserver{}}
		if len(appCfg.Kafka.Brokers) > 0 {
			producer, err := mq.NewKafkaProducer(appCfg.Kafka)
			if err != nil {
				logger.Error(context.Background(), "init kafka failed", zap.Error(err))
				return
			}
			defer func() {
				_ = producer.Close()
			}()
			kafkaObserver, err := worker.NewKafkaObserver(producer, appCfg.Events.Topic, appCfg.Events.PublishTimeout)
			if err != nil {
				logger.Error(context.Background(), "init event publisher failed", zap.Error(err))
				return
			}
			observers = append(observers, kafkaObserver)
		}
		pool, err := worker.New(worker.Config{
			Queue:           jobQueue,
			Handler:         gradingService.HandleJob,
			OnFailed:        gradingService.HandleJobFailure,
			Observers:       observers,
			Concurrency:     appCfg.Worker.Concurrency,
			PollInterval:    appCfg.Worker.PollInterval,
			StalledInterval: appCfg.Worker.StalledInterval,
			JobTimeout:      appCfg.Worker.JobTimeout,
			QueueTimeout:    appCfg.Grading.Timeouts.Queue,
		})
		if err != nil {
			logger.Error(context.Background(), "init worker pool failed", zap.Error(err))
			return
		}
		go func() {
			defer close(workerDone)
			if err := pool.Run(shutdownCtx); err != nil {
				logger.Error(context.Background(), "worker pool stopped", zap.Error(err))
			}
		}()
	} else {
		close(workerDone)
	}

	health := controller.NewHealthController(map[string]controller.Pinger{
		"mysql":  mysqlDB,
		"redis":  redisCache,
		"queue":  jobQueue,
		"piston": pistonClient,
	}, 0)
	verifier := commonmw.NewTokenVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer)
	httpServer := buildHTTPServer(appCfg.Server, gradingService, health, verifier)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grading http server started",
			zap.String("addr", appCfg.Server.Addr), zap.Bool("worker", appCfg.Worker.Enabled))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
		stop()
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	<-workerDone
}

func buildHTTPServer(cfg ServerConfig, gradingService *service.Service, health *controller.HealthController, verifier *commonmw.TokenVerifier) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", health.Check)

	api := router.Group("/api/v1")
	api.Use(commonmw.AuthMiddleware(verifier))
	controller.NewGradingController(gradingService).Register(api)

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
