package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/db"
	"github.com/job-escape/users-backend/dunning"
	"github.com/job-escape/users-backend/external"
	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
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

	once := flag.Bool("once", false, "run a single billing batch and exit")
	interval := flag.Duration("interval", time.Hour, "time between billing batches")
	fastRetry := flag.Bool("fast-retry", false, "schedule retries minutes apart instead of days")
	flag.Parse()

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
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
			"component": "task",
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

	schedule := billing.DefaultRetrySchedule()
	if *fastRetry {
		schedule = billing.FastRetrySchedule()
	}

	engine, err := dunning.NewEngine(dunning.Options{
		Logger:        logger,
		Attempts:      paymentManager,
		Subscriptions: subscriptionManager,
		Gateways:      registry,
		Emitter:       emitter,
		Publisher:     publisher,
		Dispatcher:    dispatcher,
		Schedule:      schedule,
	})
	if err != nil {
		logger.Fatal("Cannot initialize dunning engine",
			zap.Error(err),
		)
	}

	runBatch := func(ctx context.Context) {
		stats, err := engine.Run(ctx, time.Now())
		if err != nil {
			logger.Error("Billing batch returned error",
				zap.Error(err),
			)
		}
		logger.Info("Billing batch finished",
			zap.Int("Processed", stats.Processed),
			zap.Int("Authorized", stats.Authorized),
			zap.Int("Declined", stats.Declined),
			zap.Int("Faulted", stats.Faulted),
			zap.Int("Skipped", stats.Skipped),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		runBatch(ctx)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	logger.Info("Billing task started",
		zap.Duration("Interval", *interval),
	)
	runBatch(ctx)
	for {
		select {
		case <-ticker.C:
			runBatch(ctx)
		case <-c:
			cancel()
			return
		}
	}
}
