// Command server starts the vidvault HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"vidvault/internal/api"
	"vidvault/internal/config"
	"vidvault/internal/links"
	"vidvault/internal/locks"
	"vidvault/internal/media"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/redisutil"
	"vidvault/internal/server"
	"vidvault/internal/serverutil"
	"vidvault/internal/storage"
	"vidvault/internal/videos"
)

const (
	sweepInterval    = 15 * time.Minute
	pendingUploadTTL = time.Hour
)

type overrides struct {
	configPath    string
	addr          string
	storageDriver string
	dataPath      string
	sqlitePath    string
	postgresDSN   string
	uploadDir     string
	tlsCert       string
	tlsKey        string
	logLevel      string
	logFormat     string
	redisAddr     string
	baseURL       string
}

func main() {
	var o overrides
	flag.StringVar(&o.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&o.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&o.storageDriver, "storage-driver", "", "datastore driver (json, sqlite or postgres)")
	flag.StringVar(&o.dataPath, "data", "", "path to JSON datastore")
	flag.StringVar(&o.sqlitePath, "sqlite-path", "", "path to SQLite datastore")
	flag.StringVar(&o.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&o.uploadDir, "upload-dir", "", "directory for uploaded and generated videos")
	flag.StringVar(&o.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&o.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&o.logFormat, "log-format", "", "log format (json or text)")
	flag.StringVar(&o.redisAddr, "redis-addr", "", "Redis address for shared locks and rate limits")
	flag.StringVar(&o.baseURL, "base-url", "", "public base URL used in generated links")
	flag.Parse()

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidvault: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(o overrides) (config.Config, error) {
	configPath := firstNonEmpty(o.configPath, os.Getenv("VIDVAULT_CONFIG"))
	cfg, err := config.Load(configPath, os.LookupEnv, func(cfg *config.Config) {
		applyOverrides(cfg, o)
	})
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, o overrides) {
	cfg.Server.Addr = firstNonEmpty(o.addr, cfg.Server.Addr)
	cfg.Server.TLSCertFile = firstNonEmpty(o.tlsCert, cfg.Server.TLSCertFile)
	cfg.Server.TLSKeyFile = firstNonEmpty(o.tlsKey, cfg.Server.TLSKeyFile)
	cfg.Storage.Driver = firstNonEmpty(o.storageDriver, cfg.Storage.Driver)
	cfg.Storage.JSONPath = firstNonEmpty(o.dataPath, cfg.Storage.JSONPath)
	cfg.Storage.SQLitePath = firstNonEmpty(o.sqlitePath, cfg.Storage.SQLitePath)
	cfg.Storage.PostgresDSN = firstNonEmpty(o.postgresDSN, cfg.Storage.PostgresDSN, os.Getenv("DATABASE_URL"))
	cfg.Uploads.Dir = firstNonEmpty(o.uploadDir, cfg.Uploads.Dir)
	cfg.Logging.Level = firstNonEmpty(o.logLevel, cfg.Logging.Level)
	cfg.Logging.Format = firstNonEmpty(o.logFormat, cfg.Logging.Format)
	cfg.Redis.Addr = firstNonEmpty(o.redisAddr, cfg.Redis.Addr)
	cfg.Links.BaseURL = firstNonEmpty(o.baseURL, cfg.Links.BaseURL)
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.Default()

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	shutdownHooks := []func(context.Context) error{store.Close}
	closeAll := func() {
		for _, hook := range shutdownHooks {
			_ = hook(context.Background())
		}
	}

	tool := media.NewFFmpeg(media.Config{
		FFmpegPath:  cfg.Media.FFmpegPath,
		FFprobePath: cfg.Media.FFprobePath,
		Preset:      cfg.Media.Preset,
		Logger:      logging.WithComponent(logger, "media"),
	})
	if err := tool.Check(); err != nil {
		logger.Warn("media tools unavailable; uploads and transforms will fail", "error", err)
	}

	checks := []api.HealthCheck{
		{Component: "datastore", Check: store.Ping},
		{Component: "ffmpeg", Check: func(context.Context) error { return tool.Check() }},
	}

	var (
		locker      locks.Locker = locks.NewMemoryLocker()
		redisClient redis.UniversalClient
	)
	if cfg.Redis.Enabled() {
		redisClient, err = redisutil.NewClient(ctx, cfg.Redis.RedisClientConfig())
		if err != nil {
			closeAll()
			return fmt.Errorf("connect redis: %w", err)
		}
		shutdownHooks = append(shutdownHooks, func(context.Context) error { return redisClient.Close() })
		redisLocker, err := locks.NewRedisLocker(redisClient, locks.RedisLockerConfig{
			TTL:    cfg.Redis.LockTTL,
			Logger: logging.WithComponent(logger, "locks"),
		})
		if err != nil {
			closeAll()
			return fmt.Errorf("configure redis locks: %w", err)
		}
		locker = redisLocker
		checks = append(checks, api.HealthCheck{
			Component: "redis",
			Check:     func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
		logger.Info("using redis for trim locks and link rate limits", "addr", firstNonEmpty(cfg.Redis.Addr, strings.Join(cfg.Redis.Addrs, ",")))
	}

	videoService, err := videos.NewService(videos.Config{
		Store:            store,
		Media:            tool,
		Locker:           locker,
		Metrics:          recorder,
		Logger:           logger,
		OutputDir:        cfg.Uploads.Dir,
		MinDuration:      cfg.Uploads.MinDuration,
		MaxDuration:      cfg.Uploads.MaxDuration,
		ProbeConcurrency: cfg.Uploads.ProbeConcurrency,
		RemoveSuperseded: cfg.Uploads.RemoveSuperseded,
	})
	if err != nil {
		closeAll()
		return err
	}
	linkService, err := links.NewService(links.Config{
		Secret:     cfg.Links.Secret,
		BaseURL:    cfg.Links.BaseURL,
		DefaultTTL: cfg.Links.DefaultTTL,
		MaxTTL:     cfg.Links.MaxTTL,
		Videos:     store,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		closeAll()
		return err
	}

	handler := &api.Handler{
		Videos:       videoService,
		Links:        linkService,
		Checks:       checks,
		UploadDir:    videoService.OutputDir(),
		MaxFiles:     cfg.Uploads.MaxFiles,
		MaxFileBytes: cfg.Uploads.MaxFileBytes,
		Metrics:      recorder,
		Logger:       logger,
	}

	srv, err := server.New(handler, server.Config{
		Addr:     cfg.Server.Addr,
		TLS:      server.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile},
		APIToken: cfg.Server.APIToken,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    cfg.RateLimit.GlobalRPS,
			GlobalBurst:  cfg.RateLimit.GlobalBurst,
			LinkLimit:    cfg.RateLimit.LinkLimit,
			LinkWindow:   cfg.RateLimit.LinkWindow,
			Redis:        redisClient,
			RedisTimeout: cfg.RateLimit.RedisTimeout,
		},
		CORS:              server.CORSConfig{AllowedOrigins: cfg.Server.CORSOrigins},
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		Logger:            logger,
		Metrics:           recorder,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	})
	if err != nil {
		closeAll()
		return fmt.Errorf("initialise server: %w", err)
	}
	if cfg.Server.APIToken == "" {
		logger.Warn("API token not set; management routes are unauthenticated")
	}

	stopSweeper := startUploadSweeper(ctx, logging.WithComponent(logger, "upload-sweeper"),
		pendingUploadSweeper{dir: videoService.OutputDir(), maxAge: pendingUploadTTL}, sweepInterval)
	defer stopSweeper()

	certFile, keyFile := srv.TLSFiles()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
		OnListen: func(addr net.Addr) {
			logger.Info("vidvault API listening", "addr", addr.String(), "tls", certFile != "", "storage", string(cfg.StorageDriver()))
		},
		OnShutdown: append([]func(context.Context) error{func(context.Context) error {
			stopSweeper()
			if active := recorder.ActiveTransforms(); active > 0 {
				logger.Warn("shutting down with transforms in flight", "transforms", active)
			}
			return nil
		}}, shutdownHooks...),
	})
}

func openStore(cfg config.StorageConfig, logger *slog.Logger) (storage.Repository, error) {
	driver, err := storage.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	var options []storage.Option
	if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
		options = append(options, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
	}
	if cfg.PostgresMaxConnLifetime > 0 || cfg.PostgresMaxConnIdle > 0 || cfg.PostgresHealthInterval > 0 {
		options = append(options, storage.WithPostgresPoolDurations(cfg.PostgresMaxConnLifetime, cfg.PostgresMaxConnIdle, cfg.PostgresHealthInterval))
	}
	if cfg.PostgresAcquireTimeout > 0 {
		options = append(options, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
	}
	if cfg.PostgresAppName != "" {
		options = append(options, storage.WithPostgresApplicationName(cfg.PostgresAppName))
	}
	if cfg.SQLiteBusyTimeout > 0 {
		options = append(options, storage.WithSQLiteBusyTimeout(cfg.SQLiteBusyTimeout))
	}
	store, err := storage.Open(storage.Config{
		Driver:      driver,
		JSONPath:    cfg.JSONPath,
		PostgresDSN: cfg.PostgresDSN,
		SQLitePath:  cfg.SQLitePath,
	}, options...)
	if err != nil {
		return nil, err
	}
	logger.Info("datastore ready", "driver", string(driver))
	return store, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
