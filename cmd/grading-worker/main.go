package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/mq"
	"codegrader/internal/grading/executor"
	"codegrader/internal/grading/harness"
	"codegrader/internal/grading/queue"
	"codegrader/internal/grading/repository"
	"codegrader/internal/grading/service"
	"codegrader/internal/grading/worker"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_worker.yaml"

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

	pistonClient, err := executor.NewPistonClient(executor.Config{
		BaseURL:        appCfg.Piston.BaseURL,
		RequestTimeout: appCfg.Piston.RequestTimeout,
		LimitOverhead:  appCfg.Piston.LimitOverhead,
	})
	if err != nil {
		logger.Error(context.Background(), "init piston client failed", zap.Error(err))
		return
	}

	grader, err := harness.New(harness.Config{
		Executor:     pistonClient,
		TestCases:    repository.NewTestCaseRepository(mysqlDB),
		Retries:      appCfg.Piston.Retries,
		RetryInitial: appCfg.Piston.RetryInitial,
		RetryMax:     appCfg.Piston.RetryMax,
	})
	if err != nil {
		logger.Error(context.Background(), "init harness failed", zap.Error(err))
		return
	}

	gradingService, err := service.New(service.Config{
		DB:          mysqlDB,
		Assignments: repository.NewAssignmentRepository(mysqlDB, redisCache, appCfg.Grading.AssignmentCacheTTL),
		Submissions: repository.NewSubmissionRepository(mysqlDB),
		TestResults: repository.NewTestResultRepository(mysqlDB),
		Grader:      grader,
		Executor:    pistonClient,
		Queue:       jobQueue,
		Timeouts:    appCfg.Grading.Timeouts,
	})
	if err != nil {
		logger.Error(context.Background(), "init grading service failed", zap.Error(err))
		return
	}

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

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grading worker started",
			zap.Int("concurrency", appCfg.Worker.Concurrency))
		done <- pool.Run(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error(context.Background(), "worker pool stopped", zap.Error(err))
		}
		return
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received, draining in-flight jobs")
	}

	// Jobs still running past the deadline lose their lock and are recovered as stalled.
	timer := time.NewTimer(appCfg.Worker.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			logger.Error(context.Background(), "worker pool stopped", zap.Error(err))
		}
	case <-timer.C:
		logger.Warn(context.Background(), "shutdown timed out with jobs in flight")
	}
}
