package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/bucketing"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/events"
	"otp-service/internal/handler"
	"otp-service/internal/hashing"
	"otp-service/internal/metrics"
	"otp-service/internal/model"
	"otp-service/internal/notify"
	"otp-service/internal/ratelimit"
	"otp-service/internal/repository/memory"
	"otp-service/internal/repository/postgres"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/repository/scylla"
	"otp-service/internal/secrets"
	"otp-service/internal/service"
	"otp-service/internal/tls"
	"otp-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient    *client.RedisClient
	scyllaClient   *scylla.ScyllaClient
	postgresClient *client.PostgresClient
	eventClients   map[string]func(context.Context) error

	// Managers
	hasher     *hashing.Hasher
	identities *events.IdentityHasher
	buckets    *bucketing.Manager
	notifier   notify.Notifier

	store       model.OTPStore
	dispatcher  *events.Dispatcher
	publisher   events.Publisher
	sendLimiter ratelimit.Allower

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	metrics.MustRegister(cfg.ServiceName)

	factory := &Factory{
		config:       cfg,
		buckets:      bucketing.NewManager(cfg.Store.MemoryShards),
		eventClients: make(map[string]func(context.Context) error),
		publisher:    events.Noop{},
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg, util.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := factory.initializeStore(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := factory.initializeHasher(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize hasher: %w", err)
	}
	if err := factory.initializeNotifier(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if err := factory.initializeEvents(ctx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize event sinks: %w", err)
	}
	factory.initializeRateLimiter()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.String("mail_driver", cfg.Mail.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeStore connects the configured backend. A backend that cannot connect is fatal.
func (f *Factory) initializeStore(ctx context.Context) error {
	retention := f.config.Store.Retention

	switch f.config.Store.Backend {
	case "redis":
		rc, err := client.NewRedisClient(f.config, util.Named("redis"))
		if err != nil {
			return err
		}
		f.redisClient = rc
		f.store = redisrepo.NewOTPStore(rc.Client, retention, util.Named("otp_store"))

	case "scylla":
		sc, err := scylla.NewScyllaClient(f.config, util.Named("scylla"))
		if err != nil {
			return err
		}
		f.scyllaClient = sc
		f.store = scylla.NewOTPStore(sc, retention, f.config.Scylla.StatsRanges, util.Named("otp_store"))

	case "postgres":
		pc, err := client.NewPostgresClient(f.config, util.Named("postgres"))
		if err != nil {
			return err
		}
		f.postgresClient = pc
		store := postgres.NewOTPStore(pc.Pool, util.Named("otp_store"))
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		f.store = store

	case "memory":
		if f.config.IsProduction() {
			util.Warn("Memory store in production: OTPs are not shared between instances")
		}
		f.store = memory.NewOTPStore(f.config.Store.MemoryShards)

	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}

	util.Info("OTP store initialized", util.String("backend", f.config.Store.Backend))
	return nil
}

func (f *Factory) initializeHasher(ctx context.Context) error {
	var decrypter secrets.Decrypter
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		decrypter = kms.NewFromConfig(awsCfg)
	}

	peppers, err := secrets.NewPepperProvider(f.config, decrypter).Peppers(ctx)
	if err != nil {
		return err
	}

	hasher, err := hashing.NewHasher(hashing.ParamsFromConfig(f.config.Hashing), peppers)
	if err != nil {
		return err
	}
	f.hasher = hasher
	// Keyed by the current pepper, so rotating it changes event identity hashes.
	f.identities = events.NewIdentityHasher(peppers[0].Value)

	util.Info("Hasher initialized", util.Int("pepper_version", hasher.CurrentPepperVersion()))
	return nil
}

func (f *Factory) initializeNotifier() error {
	mail := f.config.Mail
	switch mail.Driver {
	case "smtp":
		mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:               mail.Host,
			Port:               mail.Port,
			Username:           mail.Username,
			Password:           mail.Password,
			From:               mail.From,
			InsecureSkipVerify: f.config.IsDevelopment(),
		}, util.Named("smtp"))
		if err != nil {
			return err
		}
		f.notifier = mailer
	case "log", "":
		if f.config.IsProduction() {
			util.Warn("MAIL_DRIVER=log in production: OTP emails are not sent")
		}
		f.notifier = notify.NewLogMailer(util.Named("mail"))
	default:
		return fmt.Errorf("unknown mail driver %q", mail.Driver)
	}
	return nil
}

// initializeEvents connects every enabled sink concurrently. Outside production a sink that
// cannot connect is skipped with a warning.
func (f *Factory) initializeEvents(ctx context.Context) error {
	var (
		mu    sync.Mutex
		sinks []events.Sink
		errs  []error
	)
	add := func(name string, sink events.Sink, health func(context.Context) error, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		sinks = append(sinks, sink)
		f.eventClients[name] = health
	}

	var g errgroup.Group
	if f.config.Kafka.Enabled {
		g.Go(func() error {
			producer, err := client.NewKafkaProducer(f.config, util.Named("kafka"))
			if err != nil {
				add("kafka", nil, nil, err)
				return nil
			}
			add("kafka", events.NewKafkaSink(producer, producer.Close, f.config.Kafka.OTPTopic, f.buckets), producer.HealthCheck, nil)
			return nil
		})
	}
	if f.config.ClickHouse.Enabled {
		g.Go(func() error {
			ch, err := client.NewClickHouseClient(f.config, util.Named("clickhouse"))
			if err != nil {
				add("clickhouse", nil, nil, err)
				return nil
			}
			sink, err := events.NewClickHouseSink(ctx, ch)
			if err != nil {
				_ = ch.Close()
				add("clickhouse", nil, nil, err)
				return nil
			}
			add("clickhouse", sink, ch.HealthCheck, nil)
			return nil
		})
	}
	if f.config.Elasticsearch.Enabled {
		g.Go(func() error {
			es, err := client.NewElasticsearchClient(f.config, util.Named("elasticsearch"))
			if err != nil {
				add("elasticsearch", nil, nil, err)
				return nil
			}
			add("elasticsearch", events.NewElasticsearchSink(es, f.config.Elasticsearch.OTPIndex), es.HealthCheck, nil)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		if f.config.IsProduction() {
			for _, s := range sinks {
				_ = s.Close()
			}
			return errors.Join(errs...)
		}
		for _, err := range errs {
			util.Warn("Event sink initialization warning", util.ErrorField(err))
		}
	}

	if len(sinks) == 0 {
		util.Info("No event sinks enabled, lifecycle events are discarded")
		return nil
	}

	f.dispatcher = events.NewDispatcher(events.DispatcherConfig{
		BufferSize:    f.config.Events.BufferSize,
		BatchSize:     f.config.Events.BatchSize,
		FlushInterval: f.config.Events.FlushInterval,
		SinkTimeout:   f.config.Events.SinkTimeout,
		OnDrop:        func(events.Event) { metrics.OTPEventsDroppedTotal.Inc() },
	}, sinks, util.Named("events"))
	f.publisher = f.dispatcher

	util.Info("Event dispatcher started", util.Int("sinks", len(sinks)))
	return nil
}

// initializeRateLimiter shares the /send-otp budget through redis when redis is reachable.
func (f *Factory) initializeRateLimiter() {
	if !f.config.RateLimit.Enabled || f.config.RateLimit.SendOTPPerMinute <= 0 {
		return
	}
	if f.redisClient == nil && f.config.Redis.URL != "" {
		rc, err := client.NewRedisClient(f.config, util.Named("redis"))
		if err != nil {
			util.Warn("Redis unavailable for rate limiting, using in-process limits", util.ErrorField(err))
			return
		}
		f.redisClient = rc
	}
	if f.redisClient == nil {
		return
	}
	f.sendLimiter = redisrepo.NewSlidingWindowLimiter(
		f.redisClient.Client,
		f.config.RateLimit.SendOTPPerMinute,
		time.Minute,
		util.Named("rate_limit"),
	)
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.hasher,
			f.notifier,
			f.publisher,
			f.identities,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// RouterConfig assembles the HTTP boundary settings.
func (f *Factory) RouterConfig() handler.RouterConfig {
	cfg := f.config
	return handler.RouterConfig{
		ServiceName:      cfg.ServiceName,
		APIToken:         cfg.Auth.APIToken,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		RequestTimeout:   cfg.Server.RequestTimeout,
		RequireHTTPS:     cfg.Server.RequireHTTPS,
		RateLimitEnabled: cfg.RateLimit.Enabled,
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		SendOTPPerMinute: cfg.RateLimit.SendOTPPerMinute,
		SendOTPLimiter:   f.sendLimiter,
	}
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["store"] = err
		}
	} else {
		healthErrors["store"] = fmt.Errorf("store not initialized")
	}

	if f.redisClient != nil && f.config.Store.Backend != "redis" {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	for name, check := range f.eventClients {
		if err := check(ctx); err != nil {
			healthErrors[name] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.HealthCheck(ctx)) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// Flush buffered events first; the dispatcher closes its sinks and their clients.
		if f.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Failed to flush lifecycle events", util.ErrorField(err))
			}
			cancel()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.postgresClient != nil {
			f.postgresClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
