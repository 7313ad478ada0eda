package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/KlikkAI/reporunner-sub009/internal/cache"
	"github.com/KlikkAI/reporunner-sub009/internal/collab"
	"github.com/KlikkAI/reporunner-sub009/internal/config"
	"github.com/KlikkAI/reporunner-sub009/internal/httpapi/middleware"
	"github.com/KlikkAI/reporunner-sub009/internal/store"
	"github.com/KlikkAI/reporunner-sub009/internal/ws"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("init config failed")
	}

	// Presence is shared infrastructure; refuse to start without it.
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis unreachable")
	}
	defer rdb.Close()
	presence := cache.NewRedisPresence(rdb)

	// The MySQL write-through and the Kafka event stream are collaborators
	// the core can run without; a missing DSN or broker list disables them.
	var st collab.Store
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("mysql connect failed")
		}
		st, err = store.NewMySQLStore(db)
		if err != nil {
			logger.Fatal().Err(err).Msg("mysql migrate failed")
		}
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka connect failed")
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, logger)
	}

	engine := collab.NewEngine(collab.Options{
		QueueDepth:    cfg.Collab.QueueDepth,
		WindowSize:    cfg.Collab.WindowSize,
		AutosaveEvery: cfg.Collab.AutosaveEvery,
		SendBuffer:    cfg.Collab.SendBuffer,
		IdleTimeout:   time.Duration(cfg.Collab.IdleTimeoutSec) * time.Second,
		PresenceTTL:   time.Duration(cfg.Collab.PresenceTTLSec) * time.Second,
	}, st, dispatcher, presence, logger)

	manager := ws.NewManager(engine, logger)

	if cfg.Running.Mode != "" {
		gin.SetMode(cfg.Running.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "https://app.klikk.ai"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	group := r.Group("/collab")
	group.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	group.GET("/ws", manager.WebSocketConnect)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	logger.Info().Int("port", cfg.Running.Port).Msg("collab server starting")
	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
