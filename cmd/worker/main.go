package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"clipflow_worker/internal/worker/app"
	"clipflow_worker/internal/worker/domain"
	"clipflow_worker/internal/worker/repository"
	"clipflow_worker/pkg/config"
	"clipflow_worker/pkg/database"
	"clipflow_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ServiceName, config.EnvConfig.WorkerLogPath)

	cfg := config.LoadConfig[config.Worker](config.EnvConfig.ServiceName, config.EnvConfig.WorkerYAMLPath)

	// 1. PostgreSQL
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.PostgreSQL.Host, cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Database, cfg.PostgreSQL.Port)
	db, err := database.NewPGConnection(database.Connection{
		ConnectStr: dsn,

		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval) * time.Second,
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to postgreSQL database after retries",
			zap.String("address", fmt.Sprintf("[%s:%d]", cfg.PostgreSQL.Host, cfg.PostgreSQL.Port)),
			zap.Error(err),
		)
	}

	jobRepo := repository.NewJobRepo(db)
	if err := jobRepo.AutoMigrate(); err != nil {
		log.Fatalf("jobs table migration failed: %v", err)
	}

	// 2. MinIO
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
		User:       cfg.MinIO.User,
		Password:   cfg.MinIO.Password,
		BucketName: cfg.MinIO.BucketName,
		UseSSL:     cfg.MinIO.UseSSL,

		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: cfg.MinIO.RetryInterval,
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to minio after retries",
			zap.String("address", fmt.Sprintf("[%s:%d]", cfg.MinIO.Host, cfg.MinIO.Port)),
			zap.Error(err),
		)
	}

	// 3. RabbitMQ
	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.IP, cfg.RabbitMQ.Port)
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    rabbitURL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: cfg.RabbitMQ.RetryInterval,
	})
	if err != nil {
		log.Fatalf("RabbitMQ connect failed: %v", err)
	}
	defer conn.Close()

	rabbitChannel, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, cfg.RabbitMQ.RetryInterval)
	if err != nil {
		log.Fatalf("RabbitMQ channel failed: %v", err)
	}
	defer rabbitChannel.Close()

	// 4. Redis claims + progress
	redisClient, err := database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.RedisDB)
	if err != nil {
		logger.Log.Fatal("Unable to connect to redis", zap.String("address", cfg.Redis.Addr), zap.Error(err))
	}
	defer redisClient.Close()
	leaseRepo := repository.NewLeaseRepo(
		database.NewRedisRepository[string](redisClient),
		database.NewRedisRepository[int](redisClient),
	)

	// 5. Kafka lifecycle events
	kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		RetryCount:    cfg.Kafka.RetryCount,
		RetryInterval: cfg.Kafka.RetryInterval,
	})
	if err != nil {
		log.Fatalf("Kafka writer failed: %v", err)
	}
	defer kafkaWriter.Close()

	queueName := cfg.RabbitMQ.Queue
	if queueName == "" {
		queueName = domain.QueueName
	}

	consumer := app.NewConsumer(
		database.NewRabbitRepository(rabbitChannel),
		jobRepo,
		leaseRepo,
		app.NewStorageGateway(minioClient),
		app.NewFFmpegPipeline(),
		repository.NewKafkaEventPublisher(kafkaWriter),
		queueName,
		cfg.Jobs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerDone := make(chan struct{})
	var ready atomic.Bool
	go func() {
		defer close(consumerDone)
		ready.Store(true)
		if err := consumer.StartConsumer(ctx); err != nil {
			logger.Log.Error("consumer stopped", zap.Error(err))
		}
		ready.Store(false)
	}()

	// 6. health endpoints
	r := fiber.New(fiber.Config{DisableStartupMessage: true})
	r.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	r.Get("/readyz", func(c *fiber.Ctx) error {
		if !ready.Load() {
			return c.Status(fiber.StatusServiceUnavailable).SendString("not ready")
		}
		return c.SendString("ready")
	})
	go func() {
		if err := r.Listen(":" + cfg.HealthPort); err != nil {
			logger.Log.Error("health server stopped", zap.Error(err))
		}
	}()

	logger.Log.Info("worker started",
		zap.String("queue", queueName),
		zap.Int("slots", cfg.Jobs.Slots),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Log.Info("shutdown signal received")

	// stop dequeues; jobs already in flight get the grace window
	cancel()

	grace := cfg.Jobs.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-consumerDone:
		logger.Log.Info("consumer drained")
	case <-time.After(grace):
		logger.Log.Warn("shutdown grace elapsed, exiting with work in flight")
	}

	if err := r.Shutdown(); err != nil {
		logger.Log.Error("health server shutdown failed", zap.Error(err))
	}
	logger.Log.Sync()
}
