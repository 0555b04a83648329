package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dental/clinic/internal/config"
	"github.com/dental/clinic/internal/domain/patient"
	"github.com/dental/clinic/internal/domain/request"
	"github.com/dental/clinic/internal/domain/scheduling"
	"github.com/dental/clinic/internal/platform/auth"
	"github.com/dental/clinic/internal/platform/db"
	"github.com/dental/clinic/internal/platform/events"
	"github.com/dental/clinic/internal/platform/lock"
	"github.com/dental/clinic/internal/platform/logging"
	"github.com/dental/clinic/internal/platform/notification"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const lockWait = 2 * time.Second

// app holds the services shared by serve and seed.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics

	patients     *patient.Service
	appointments *scheduling.Service
	requests     *request.Service

	closers []func()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.IsDev(),
		File:        cfg.LogFile,
	})
	return cfg, logger, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Timezone: cfg.ClinicTimezone,
	})
}

// newApp connects every backing service. extra options are applied after the
// defaults, so callers can override the publisher or notifier.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, extra ...request.Option) (*app, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, pool: pool, metrics: telemetry.NewMetrics()}
	a.closers = append(a.closers, pool.Close)

	if err := a.tracing(ctx); err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := auth.NewPolicy(request.PolicyRules())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build transition policy: %w", err)
	}

	requestRepo := request.NewRepoPG(pool)
	source, err := request.NewSequenceSource(cfg.SequenceStrategy, requestRepo)
	if err != nil {
		a.Close()
		return nil, err
	}
	seq := request.NewSequencer(source, request.SequencerConfig{
		Locker:      locker,
		MaxAttempts: cfg.SequenceMaxAttempts,
		Location:    cfg.Location(),
		Metrics:     a.metrics,
		Log:         logger.With().Str("component", "sequencer").Logger(),
	})

	a.patients = patient.NewService(patient.NewRepoPG(pool))
	a.appointments = scheduling.NewService(scheduling.NewRepoPG(pool))
	opts := append([]request.Option{
		request.WithAuthorizer(policy),
		request.WithPublisher(publisher),
		request.WithNotifier(newNotifier(cfg, a.metrics, logger.With().Str("component", "notification").Logger())),
		request.WithMetrics(a.metrics),
		request.WithLogger(logger.With().Str("component", "requests").Logger()),
	}, extra...)
	a.requests = request.NewService(requestRepo, seq, db.NewTxManager(pool), a.patients, a.appointments, opts...)
	return a, nil
}

// locker guards request id issuance across instances when redis is
// configured, and within this process otherwise.
func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		a.log.Info().Msg("no REDIS_URL, request ids are serialised in-process")
		return lock.NewLocal(), nil
	}
	client, err := lock.NewRedisClient(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { closeRedis(client) })
	return lock.NewRedisLocker(client, a.cfg.SequenceLockTTL, lockWait), nil
}

func closeRedis(c *redis.Client) { _ = c.Close() }

func (a *app) publisher() (events.Publisher, error) {
	if a.cfg.NATSURL == "" {
		return events.Noop{}, nil
	}
	nc, err := events.ConnectNATS(a.cfg.NATSURL, "clinic-server")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = nc.Drain() })
	return events.NewNATSPublisher(nc), nil
}

// newNotifier wires the channels that have a real transport. A channel
// without one stays disabled, so its sent flag is never set.
func newNotifier(cfg *config.Config, metrics *telemetry.Metrics, log zerolog.Logger) *notification.Dispatcher {
	var email notification.EmailSender
	if cfg.SMTPEnabled() {
		email = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
		})
	} else {
		log.Warn().Msg("SMTP_HOST not set, email notifications disabled")
	}

	var sms notification.SMSSender
	if cfg.SMSEnabled() {
		sms = notification.NewGatewaySMSSender(notification.SMSGatewayConfig{
			URL:     cfg.SMSGatewayURL,
			APIKey:  cfg.SMSAPIKey,
			Sender:  cfg.SMSSender,
			Timeout: cfg.SMSTimeout,
		})
	} else {
		log.Warn().Msg("SMS_GATEWAY_URL not set, sms notifications disabled")
	}

	attempts := cfg.NotifyMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return notification.NewDispatcher(email, sms, notification.NewTemplateEngine(), metrics, log).
		WithRetry(uint(attempts), cfg.NotifyRetryInterval)
}

func (a *app) tracing(ctx context.Context) error {
	tp, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "clinic-server",
		ServiceVersion: version,
		Environment:    a.cfg.Env,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		OTLPInsecure:   a.cfg.OTLPInsecure,
		SamplingRate:   a.cfg.TraceSamplingRate,
	})
	if err != nil {
		return err
	}
	if a.cfg.OTLPEndpoint == "" {
		a.log.Info().Msg("no OTEL_EXPORTER_OTLP_ENDPOINT, traces only correlate logs")
	}
	a.closers = append(a.closers, func() {
		if err := telemetry.ShutdownTracing(tp); err != nil {
			a.log.Warn().Err(err).Msg("flush traces")
		}
	})
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
