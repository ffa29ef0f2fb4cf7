package deps

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/InVisionApp/go-health"
	"github.com/bsm/redislock"
	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrzap"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/streamdal/rabbit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dselans/songsync/backends/cache"
	"github.com/dselans/songsync/backends/db"
	"github.com/dselans/songsync/backends/deezer"
	"github.com/dselans/songsync/backends/master"
	"github.com/dselans/songsync/backends/songbpm"
	"github.com/dselans/songsync/backends/spotify"
	"github.com/dselans/songsync/backends/state"
	"github.com/dselans/songsync/clog"
	"github.com/dselans/songsync/config"
	"github.com/dselans/songsync/services/enrich"
	"github.com/dselans/songsync/services/progress"
	"github.com/dselans/songsync/services/publisher"
	"github.com/dselans/songsync/services/stats"
)

const (
	DefaultHealthCheckIntervalSecs = 10
	DefaultHealthCheckTimeout      = 5 * time.Second
)

// pingCheck adapts anything that can be pinged to go-health's ICheckable
type pingCheck struct {
	name string
	ping func(ctx context.Context) error
}

type Dependencies struct {
	// Backends
	DB                     *db.DB
	CacheBackend           cache.ICache
	RedisClient            *redis.Client
	StateBackend           state.IState
	PublisherRabbitBackend rabbit.IRabbit

	// Providers; nil when not configured
	Spotify spotify.ISpotify
	Deezer  deezer.IDeezer
	SongBPM songbpm.ISongBPM
	Master  *master.Master

	PromRegistry *prometheus.Registry
	Metrics      *stats.Metrics

	// Services
	PublisherService publisher.IPublisher
	Runner           *enrich.Runner

	Health health.IHealth

	// Global, shared shutdown context - all services and backends listen to
	// this context to know when to shutdown.
	ShutdownCtx context.Context

	// ShutdownCancel is the cancel function for the global shutdown context
	ShutdownCancel context.CancelFunc

	// Channel written to by publisher when it's done shutting down; read by
	// shutdown handler in main(). Only written to when a publisher exists.
	PublisherShutdownDoneCh chan struct{}

	NewRelicApp *newrelic.Application
	Config      *config.Config

	// Log is the main, shared logger (you should use this for all logging)
	Log clog.ICustomLog

	// ZapLog is the zap logger (you shouldn't need this outside of deps)
	ZapLog *zap.Logger

	// ZapCore can be used to generate a brand-new logger (you shouldn't need this very often)
	ZapCore zapcore.Core
}

func New(cfg *config.Config) (*Dependencies, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dependencies{
		ShutdownCtx:             ctx,
		ShutdownCancel:          cancel,
		PublisherShutdownDoneCh: make(chan struct{}),
		Config:                  cfg,
	}

	// NewRelic setup must occur before logging setup
	if err := d.setupNewRelic(); err != nil {
		return nil, errors.Wrap(err, "unable to setup newrelic")
	}

	if err := d.setupLogging(); err != nil {
		return nil, errors.Wrap(err, "unable to setup logging")
	}

	if err := d.setupBackends(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to setup backends")
	}

	if err := d.setupServices(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to setup services")
	}

	// Health checks ping the backends, so they come last
	if err := d.setupHealth(); err != nil {
		return nil, errors.Wrap(err, "unable to setup health")
	}

	if err := d.Health.Start(); err != nil {
		return nil, errors.Wrap(err, "unable to start health runner")
	}

	return d, nil
}

func (d *Dependencies) setupNewRelic() error {
	if d.Config.NewRelicAppName == "" || d.Config.NewRelicLicenseKey == "" {
		return nil
	}
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(d.Config.NewRelicAppName),
		newrelic.ConfigLicense(d.Config.NewRelicLicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigZapAttributesEncoder(true),
	)

	if err != nil {
		return errors.Wrap(err, "unable to create newrelic app")
	}

	if err := app.WaitForConnection(10 * time.Second); err != nil {
		return errors.Wrap(err, "unable to connect to newrelic")
	}

	d.NewRelicApp = app

	return nil
}

// If using New Relic, setupLogging() should be called _after_ setupNewRelic()
func (d *Dependencies) setupLogging() error {
	var core zapcore.Core

	level := zapcore.WarnLevel

	if d.Config.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(d.Config.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "invalid log level '%s'", d.Config.LogLevel)
		}

		level = parsed
	}

	if d.Config.LogConfig == "dev" {
		zc := zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		core = zapcore.NewCore(zapcore.NewConsoleEncoder(zc.EncoderConfig),
			zapcore.AddSync(os.Stderr),
			level,
		)
	} else {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(os.Stderr),
			level,
		)
	}

	// If using New Relic, wrap zap core with New Relic core
	if d.NewRelicApp != nil {
		var err error

		core, err = nrzap.WrapBackgroundCore(core, d.NewRelicApp)
		if err != nil {
			return errors.Wrap(err, "unable to wrap zap core with newrelic")
		}
	}

	// Save the actual loggers
	d.ZapLog = zap.New(core)
	d.ZapCore = core

	// Create a new primary logger that will be passed to everyone
	d.Log = clog.New(d.ZapLog, zap.String("env", d.Config.EnvName))

	d.Log.Debug("Logging initialized", zap.String("level", level.String()))

	return nil
}

func (d *Dependencies) setupHealth() error {
	logger := d.Log.With(zap.String("method", "setupHealth"))
	logger.Debug("Setting up health")

	gohealth := health.New()
	gohealth.DisableLogging()

	interval := time.Duration(d.Config.HealthFreqSec) * time.Second
	if interval <= 0 {
		interval = DefaultHealthCheckIntervalSecs * time.Second
	}

	checks := []*health.Config{
		{
			Name:     "store",
			Checker:  &pingCheck{name: "store", ping: d.DB.Ping},
			Interval: interval,
			Fatal:    true,
		},
	}

	if d.StateBackend != nil {
		checks = append(checks, &health.Config{
			Name:     "redis",
			Checker:  &pingCheck{name: "redis", ping: d.StateBackend.Ping},
			Interval: interval,
			Fatal:    true,
		})
	}

	if d.Master != nil {
		checks = append(checks, &health.Config{
			Name:     "master",
			Checker:  &pingCheck{name: "master", ping: d.Master.Ping},
			Interval: interval,
		})
	}

	if err := gohealth.AddChecks(checks); err != nil {
		return err
	}

	d.Health = gohealth

	return nil
}

func (d *Dependencies) setupBackends(cfg *config.Config) error {
	llog := d.Log.With(zap.String("method", "setupBackends"))

	llog.Debug("Setting up song store", zap.String("driver", cfg.DBDriver))

	store, err := db.New(&db.Options{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		Log:      d.Log,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create song store")
	}

	d.DB = store

	llog.Debug("Setting up cache backend")

	cb, err := cache.New(cfg.ProviderCacheTTL)
	if err != nil {
		return errors.Wrap(err, "unable to create new cache instance")
	}

	d.CacheBackend = cb

	if cfg.RedisURL != "" {
		llog.Debug("Setting up state backend")

		if err := d.setupState(cfg); err != nil {
			return errors.Wrap(err, "unable to setup state backend")
		}
	}

	d.PromRegistry = prometheus.NewRegistry()
	d.PromRegistry.MustRegister(collectors.NewGoCollector())

	metrics, err := stats.NewMetrics(d.PromRegistry)
	if err != nil {
		return errors.Wrap(err, "unable to register metrics")
	}

	d.Metrics = metrics

	if err := d.setupProviders(cfg); err != nil {
		return errors.Wrap(err, "unable to setup providers")
	}

	if len(cfg.PublisherRabbitURL) == 0 {
		llog.Debug("No publisher rabbit url; song events are not published")
		return nil
	}

	llog.Debug("Setting up rabbit backend")

	// RabbitMQ backend for publishing
	pubRabbitBackend, err := rabbit.New(&rabbit.Options{
		URLs: cfg.PublisherRabbitURL,
		Bindings: []rabbit.Binding{
			{
				ExchangeName:    cfg.PublisherRabbitExchangeName,
				ExchangeType:    cfg.PublisherRabbitExchangeType,
				ExchangeDeclare: true,
				ExchangeDurable: true,
			},
		},
		Mode:              rabbit.Producer,
		RetryReconnectSec: rabbit.DefaultRetryReconnectSec,
		AppID:             cfg.ServiceName + "-publisher",
		UseTLS:            cfg.PublisherRabbitUseTLS,
		Log:               d.ZapLog.Sugar(), // TODO: This won't include base attributes
	})
	if err != nil {
		return errors.Wrap(err, "unable to create rabbit backend for publisher")
	}

	d.PublisherRabbitBackend = pubRabbitBackend

	return nil
}

func (d *Dependencies) setupState(cfg *config.Config) error {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "unable to parse redis url")
	}

	if cfg.RedisPassword != "" {
		redisOpts.Password = cfg.RedisPassword
	}

	redisOpts.DB = cfg.RedisDatabase
	redisOpts.PoolSize = cfg.RedisPoolSize
	redisOpts.DialTimeout = cfg.RedisDialTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(d.ShutdownCtx, cfg.RedisDialTimeout+time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "unable to ping redis")
	}

	st, err := state.New(&state.Options{
		Prefix:      cfg.RedisPrefix,
		Log:         d.Log,
		RedisClient: client,
		RedisLock:   redislock.New(client),
	})
	if err != nil {
		return errors.Wrap(err, "unable to create state backend")
	}

	d.RedisClient = client
	d.StateBackend = st

	return nil
}

// setupProviders creates the clients the selected job needs. Credentials are
// only checked by jobs that use them.
func (d *Dependencies) setupProviders(cfg *config.Config) error {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	if cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "" {
		sp, err := spotify.New(&spotify.Options{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
			HTTPClient:   httpClient,
			Cache:        d.CacheBackend,
			Log:          d.Log,
		})
		if err != nil {
			return errors.Wrap(err, "unable to create spotify client")
		}

		d.Spotify = sp
	}

	dz, err := deezer.New(&deezer.Options{
		HTTPClient: httpClient,
		Cache:      d.CacheBackend,
		Log:        d.Log,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create deezer client")
	}

	d.Deezer = dz

	if cfg.SongBPMAPIKey != "" {
		sb, err := songbpm.New(&songbpm.Options{
			APIKey:     cfg.SongBPMAPIKey,
			HTTPClient: httpClient,
			Cache:      d.CacheBackend,
			Log:        d.Log,
		})
		if err != nil {
			return errors.Wrap(err, "unable to create songbpm client")
		}

		d.SongBPM = sb
	}

	if cfg.Command() == enrich.JobFeatures {
		m, err := master.New(&master.Options{
			Path:  cfg.Features.MasterPath,
			Table: cfg.Features.MasterTable,
			Cache: d.CacheBackend,
			Log:   d.Log,
		})
		if err != nil {
			return errors.Wrap(err, "unable to open master feature table")
		}

		d.Master = m
	}

	return nil
}

func (d *Dependencies) setupServices(cfg *config.Config) error {
	logger := d.Log.With(zap.String("method", "setupServices"))
	logger.Debug("Setting up services")

	var onCommit enrich.CommitFunc

	if d.PublisherRabbitBackend != nil {
		// Setup service that will publish song events to RabbitMQ
		pubService, err := publisher.New(&publisher.Options{
			RabbitBackend:          d.PublisherRabbitBackend,
			NumWorkers:             cfg.PublisherNumWorkers,
			ExternalShutdownCtx:    d.ShutdownCtx,
			ExternalShutdownDoneCh: d.PublisherShutdownDoneCh,
			NewRelic:               d.NewRelicApp,
			Log:                    d.Log,
		})
		if err != nil {
			return errors.Wrap(err, "unable to create new publisher")
		}

		if err := pubService.Start(); err != nil {
			return errors.Wrap(err, "unable to start publisher")
		}

		d.PublisherService = pubService
		onCommit = pubService.OnCommit
	}

	runner, err := enrich.New(&enrich.Options{
		Store:    d.DB,
		Trackers: d.tracker,
		State:    d.StateBackend,
		LockTTL:  cfg.JobLockTTL,
		Metrics:  d.Metrics,
		OnCommit: onCommit,
		NewRelic: d.NewRelicApp,
		Log:      d.Log,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create enrichment runner")
	}

	d.Runner = runner

	return nil
}

// tracker returns the progress tracker for a job on the configured backend
func (d *Dependencies) tracker(job string) (progress.ITracker, error) {
	if d.Config.ProgressBackend == config.ProgressBackendRedis {
		if d.StateBackend == nil {
			return nil, errors.New("redis progress backend requires a redis url")
		}

		return progress.NewRedisTracker(job, d.StateBackend, d.Log)
	}

	return progress.NewFileTracker(progress.FilePath(d.Config.ProgressDir, job), d.Log)
}

// Close releases backend connections. Safe to call on partially set up deps.
func (d *Dependencies) Close() {
	if d.Health != nil {
		if err := d.Health.Stop(); err != nil {
			d.Log.Debug("unable to stop health runner", zap.Error(err))
		}
	}

	if d.Master != nil {
		if err := d.Master.Close(); err != nil {
			d.Log.Warn("unable to close master feature table", zap.Error(err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Log.Warn("unable to close song store", zap.Error(err))
		}
	}

	if d.RedisClient != nil {
		if err := d.RedisClient.Close(); err != nil {
			d.Log.Warn("unable to close redis client", zap.Error(err))
		}
	}
}

// Status satisfies the go-health.ICheckable interface
func (c *pingCheck) Status() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultHealthCheckTimeout)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		return nil, errors.Wrapf(err, "%s ping failed", c.name)
	}

	return map[string]string{"name": c.name}, nil
}
