/**
 * @description
 * This is the main entry point for the payout-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application service, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/identityclient, pkg/railclient, pkg/rabbitmq: Clients for external collaborators.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/roomfund/payout-service/internal/api"
	"github.com/roomfund/payout-service/internal/app"
	"github.com/roomfund/payout-service/internal/config"
	"github.com/roomfund/payout-service/internal/store"
	"github.com/roomfund/payout-service/pkg/identityclient"
	"github.com/roomfund/payout-service/pkg/rabbitmq"
	"github.com/roomfund/payout-service/pkg/railclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.AdminSettlementSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"admin settlement secret must be configured\" env=ADMIN_SETTLEMENT_SECRET")
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish payout lifecycle events.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment rail API. Onboarding degrades when
	// the rail is not configured; the ledger itself does not depend on it.
	var railClient *railclient.Client
	if strings.TrimSpace(cfg.RailAPIBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rail client not configured; onboarding disabled\" env=RAIL_API_BASE_URL")
	} else {
		railClient = railclient.NewClient(cfg.RailAPIBaseURL, cfg.RailAPIKey)
	}

	// Initialize the client for the identity service.
	var identityResolver app.IdentityResolver
	if strings.TrimSpace(cfg.IdentityServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"identity service client not configured; authenticated endpoints will reject callers\" env=IDENTITY_SERVICE_URL")
	} else {
		identityResolver = identityclient.NewClient(cfg.IdentityServiceURL, cfg.IdentityServiceInternalAPIKey)
	}

	var redisClient *redis.Client
	if cfg.PayoutRequestRateLimitPerMin > 0 || cfg.WebhookIntakeRateLimitPerMin > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payout request rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payout request rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payout request rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool, time.Duration(cfg.StoreCallTimeoutSeconds)*time.Second)

	// Initialize the core application service with its dependencies.
	payoutService := app.NewService(
		repository,
		identityResolver,
		railClient,
		producer,
		cfg.AdminSettlementSecret,
		cfg.DefaultCurrency,
		cfg.OnboardingReturnURL,
	)
	var rateLimiter *app.RedisRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
		payoutService.SetRateLimiter(rateLimiter, cfg.PayoutRequestRateLimitPerMin)
	}

	// The intake deduplicates payment events from both delivery paths.
	intake := app.NewPaymentEventIntake(repository, payoutService)
	if rateLimiter != nil && cfg.WebhookIntakeRateLimitPerMin > 0 {
		intake.SetRateLimiter(rateLimiter, cfg.WebhookIntakeRateLimitPerMin)
	}

	// Initialize the API handlers.
	payoutHandlers := api.NewPayoutHandlers(payoutService, intake)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/payouts", api.PayoutRoutes(payoutHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

	// Wire up the broker-delivered payment event path; redelivery lands in the
	// same dedup admission as the HTTP webhook endpoint.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		eventConsumer, consumerErr := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; broker event path disabled\" err=%v", consumerErr)
		} else {
			defer eventConsumer.Close()
			eventBindings := map[string]func([]byte) bool{
				"payment.event.account":  intake.HandleMessage,
				"payment.event.transfer": intake.HandleMessage,
			}
			if err := eventConsumer.ConsumeWithBindings("payment_processor.events", cfg.PaymentEventQueue, eventBindings); err != nil {
				log.Printf("level=warn component=bootstrap msg=\"payment event consumer start failed; broker event path disabled\" err=%v", err)
			} else {
				log.Println("level=info component=bootstrap msg=\"payment event consumer started\"")
			}
		}
	}

	// Start the HTTP server.
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
