/**
 * @description
 * This is the main entry point for the stream-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, message brokers, repositories, the core application
 * service, the expiry sweep scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Scheduler for the expiry sweep.
 * - internal/api, internal/app, internal/config, internal/engine,
 *   internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paystream/stream-service/internal/api"
	"github.com/paystream/stream-service/internal/app"
	"github.com/paystream/stream-service/internal/config"
	"github.com/paystream/stream-service/internal/engine"
	"github.com/paystream/stream-service/internal/store"
	psrabbit "github.com/paystream/stream-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.FeeOwner) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"fee owner must be configured\" env=FEE_OWNER")
	}
	feeOwner, err := solana.PublicKeyFromBase58(cfg.FeeOwner)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"fee owner is not a valid public key\" err=%v", err)
	}

	programID := engine.DefaultProgramID
	if cfg.ProgramID != "" {
		programID, err = solana.PublicKeyFromBase58(cfg.ProgramID)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"program id is not a valid public key\" err=%v", err)
		}
	}

	log.Printf("level=info component=bootstrap msg=\"starting stream-service\" port=%s program_id=%s", cfg.ServerPort, programID)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the data access layer (repository) and create the schema.
	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish stream lifecycle events.
	// The service stays up without a broker; events degrade to a noop.
	var producer psrabbit.Publisher
	rabbitProducer, err := psrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &psrabbit.NoopProducer{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var redisClient *redis.Client
	if cfg.RedeemRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; redeem rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; redeem rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; redeem rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the core application service with its dependencies.
	streamService := app.NewService(repository, engine.New(programID), producer, feeOwner)
	if redisClient != nil {
		streamService.SetRedeemRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.RedeemRateLimitPerMinute,
		)
	}

	// Wire up the deposit consumer: confirmed deposits from the gateway
	// credit the internal token ledger.
	depositConsumer := app.NewDepositConsumer(streamService)
	rabbitConsumer, err := psrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; deposits accepted via internal api only\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"deposit.confirmed": depositConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(app.EventsExchange, cfg.DepositEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"deposit consumer start failed\" err=%v", err)
		}
	}

	// Schedule the expiry sweep.
	sweeper := app.NewExpirySweeper(repository, producer)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ExpirySweepSchedule, func() {
		sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancelSweep()
		sweeper.Run(sweepCtx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"expiry sweep schedule invalid\" schedule=%q err=%v", cfg.ExpirySweepSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and router.
	streamHandlers := api.NewStreamHandlers(streamService)
	router := api.StreamRoutes(streamHandlers, cfg.JWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
