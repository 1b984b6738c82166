package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/db"
	"github.com/job-escape/users-backend/external"
	"github.com/job-escape/users-backend/fraud"
	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/paywall"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"
	"github.com/job-escape/users-backend/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       "production" != env,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	emitter, err := analytics.NewAMQPEmitter(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot initialize analytics emitter",
			zap.Error(err),
		)
	}
	defer emitter.Close()

	publisher, err := analytics.NewKafkaPaymentPublisher(logger, strings.Split(os.Getenv("KAFKA_BROKERS"), ","))
	if err != nil {
		logger.Fatal("Cannot initialize payment publisher",
			zap.Error(err),
		)
	}
	defer publisher.Close()

	dispatcher, err := notification.NewAMQPDispatcher(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot initialize mailer dispatcher",
			zap.Error(err),
		)
	}
	defer dispatcher.Close()

	// Initialize data managers
	userManager, err := user.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize user.Manager",
			zap.Error(err),
		)
	}
	subscriptionManager, err := subscription.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize subscription.Manager",
			zap.Error(err),
		)
	}
	paymentManager, err := payment.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize payment.Manager",
			zap.Error(err),
		)
	}
	fraudManager, err := fraud.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize fraud.Manager",
			zap.Error(err),
		)
	}
	gate, err := fraud.NewGate(logger, fraudManager, fraud.DefaultConfig())
	if err != nil {
		logger.Fatal("Cannot initialize fraud.Gate",
			zap.Error(err),
		)
	}

	tokens, err := user.NewTokenIssuer(os.Getenv("JWT_SIGNING_KEY"))
	if err != nil {
		logger.Fatal("Cannot initialize token issuer",
			zap.Error(err),
		)
	}

	// Initialize payment gateways
	checkoutClient := external.NewCheckoutClient(os.Getenv("CHECKOUT_SECRET_KEY"))
	solidgateClient := external.NewSolidgateClient(os.Getenv("SOLIDGATE_PUBLIC_KEY"), os.Getenv("SOLIDGATE_SECRET_KEY"))
	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	checkoutGateway, err := gateway.NewCheckoutGateway(logger, checkoutClient, os.Getenv("CHECKOUT_CHANNEL_ID"), os.Getenv("CHECKOUT_REFERENCE"))
	if err != nil {
		logger.Fatal("Cannot initialize Checkout gateway",
			zap.Error(err),
		)
	}
	solidgateGateway, err := gateway.NewSolidgateGateway(logger, solidgateClient)
	if err != nil {
		logger.Fatal("Cannot initialize Solidgate gateway",
			zap.Error(err),
		)
	}
	stripeGateway, err := gateway.NewStripeGateway(logger, stripeClient)
	if err != nil {
		logger.Fatal("Cannot initialize Stripe gateway",
			zap.Error(err),
		)
	}

	registry, err := gateway.NewRegistry(gateway.RegistryOptions{
		Logger:        logger,
		Subscriptions: subscriptionManager,
		Bindings:      paymentManager,
		Emitter:       emitter,
		Dispatcher:    dispatcher,
	}, checkoutGateway, solidgateGateway, stripeGateway)
	if err != nil {
		logger.Fatal("Cannot initialize gateway registry",
			zap.Error(err),
		)
	}

	flow, err := paywall.NewFlow(paywall.Options{
		Logger:        logger,
		Users:         userManager,
		Subscriptions: subscriptionManager,
		Instruments:   paymentManager,
		Gate:          gate,
		Gateways:      registry,
		Emitter:       emitter,
		Dispatcher:    dispatcher,
		Tokens:        tokens,
	})
	if err != nil {
		logger.Fatal("Cannot initialize checkout flow",
			zap.Error(err),
		)
	}

	paywallService, err := paywall.NewService(paywall.ServiceOptions{
		Logger:   logger,
		Flow:     flow,
		Registry: registry,
		Users:    userManager,
		Accounts: userManager,
		Tokens:   tokens,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Paywall Service Router",
			zap.Error(err),
		)
	}

	deduper, err := webhook.NewRedisDeduper(rdb)
	if err != nil {
		logger.Fatal("Cannot initialize webhook deduper",
			zap.Error(err),
		)
	}
	solidgateWebhooks, err := webhook.NewSolidgateService(webhook.SolidgateServiceOptions{
		Logger:        logger,
		Subscriptions: subscriptionManager,
		Bindings:      paymentManager,
		Publisher:     publisher,
		Emitter:       emitter,
		Deduper:       deduper,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Solidgate Webhook Router",
			zap.Error(err),
		)
	}
	checkoutWebhooks, err := webhook.NewCheckoutService(webhook.CheckoutServiceOptions{
		Logger:        logger,
		Transactions:  paymentManager,
		Subscriptions: subscriptionManager,
		Users:         userManager,
		Registry:      registry,
		Deduper:       deduper,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Checkout Webhook Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(os.Getenv("CORS_ORIGINS"), ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	rootRouter.Mount("/paywall", paywallService.Router())
	rootRouter.Route("/webhooks", func(r chi.Router) {
		r.With(webhook.VerifySignature(solidgateClient, "Signature")).
			Mount("/solidgate", solidgateWebhooks.Router())
		r.Mount("/checkout", checkoutWebhooks.Router())
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":42069"
	}
	srv := &http.Server{
		Handler: rootRouter,
		Addr:    addr,
	}

	logger.Info("API started", zap.String("Addr", addr))
	log.Fatalln(srv.ListenAndServe())
}
