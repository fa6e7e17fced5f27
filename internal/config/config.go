// Package config loads service settings from defaults, an optional YAML file
// and VIDVAULT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vidvault/internal/redisutil"
	"vidvault/internal/storage"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Uploads   UploadConfig    `yaml:"uploads"`
	Media     MediaConfig     `yaml:"media"`
	Links     LinkConfig      `yaml:"links"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"VIDVAULT_ADDR"`
	TLSCertFile       string        `yaml:"tls_cert_file" env:"VIDVAULT_TLS_CERT"`
	TLSKeyFile        string        `yaml:"tls_key_file" env:"VIDVAULT_TLS_KEY"`
	APIToken          string        `yaml:"api_token" env:"VIDVAULT_API_TOKEN"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"VIDVAULT_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"VIDVAULT_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"VIDVAULT_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"VIDVAULT_IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"VIDVAULT_SHUTDOWN_TIMEOUT"`
	CORSOrigins       []string      `yaml:"cors_origins" env:"VIDVAULT_CORS_ORIGINS"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" env:"VIDVAULT_TRUST_PROXY_HEADERS"`
}

type StorageConfig struct {
	Driver                  string        `yaml:"driver" env:"VIDVAULT_STORAGE_DRIVER"`
	JSONPath                string        `yaml:"json_path" env:"VIDVAULT_DATA"`
	SQLitePath              string        `yaml:"sqlite_path" env:"VIDVAULT_SQLITE_PATH"`
	SQLiteBusyTimeout       time.Duration `yaml:"sqlite_busy_timeout" env:"VIDVAULT_SQLITE_BUSY_TIMEOUT"`
	PostgresDSN             string        `yaml:"postgres_dsn" env:"VIDVAULT_POSTGRES_DSN"`
	PostgresMaxConns        int           `yaml:"postgres_max_conns" env:"VIDVAULT_POSTGRES_MAX_CONNS"`
	PostgresMinConns        int           `yaml:"postgres_min_conns" env:"VIDVAULT_POSTGRES_MIN_CONNS"`
	PostgresMaxConnLifetime time.Duration `yaml:"postgres_max_conn_lifetime" env:"VIDVAULT_POSTGRES_MAX_CONN_LIFETIME"`
	PostgresMaxConnIdle     time.Duration `yaml:"postgres_max_conn_idle" env:"VIDVAULT_POSTGRES_MAX_CONN_IDLE"`
	PostgresHealthInterval  time.Duration `yaml:"postgres_health_interval" env:"VIDVAULT_POSTGRES_HEALTH_INTERVAL"`
	PostgresAcquireTimeout  time.Duration `yaml:"postgres_acquire_timeout" env:"VIDVAULT_POSTGRES_ACQUIRE_TIMEOUT"`
	PostgresAppName         string        `yaml:"postgres_app_name" env:"VIDVAULT_POSTGRES_APP_NAME"`
}

type UploadConfig struct {
	Dir              string  `yaml:"dir" env:"VIDVAULT_UPLOAD_DIR"`
	MaxFiles         int     `yaml:"max_files" env:"VIDVAULT_MAX_FILES"`
	MaxFileBytes     int64   `yaml:"max_file_bytes" env:"VIDVAULT_MAX_FILE_BYTES"`
	MinDuration      float64 `yaml:"min_duration" env:"VIDVAULT_MIN_DURATION"`
	MaxDuration      float64 `yaml:"max_duration" env:"VIDVAULT_MAX_DURATION"`
	ProbeConcurrency int     `yaml:"probe_concurrency" env:"VIDVAULT_PROBE_CONCURRENCY"`
	RemoveSuperseded bool    `yaml:"remove_superseded" env:"VIDVAULT_REMOVE_SUPERSEDED"`
}

type MediaConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" env:"VIDVAULT_FFMPEG"`
	FFprobePath string `yaml:"ffprobe_path" env:"VIDVAULT_FFPROBE"`
	Preset      string `yaml:"preset" env:"VIDVAULT_FFMPEG_PRESET"`
}

type LinkConfig struct {
	Secret     string        `yaml:"secret" env:"VIDVAULT_LINK_SECRET"`
	BaseURL    string        `yaml:"base_url" env:"VIDVAULT_BASE_URL"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"VIDVAULT_LINK_DEFAULT_TTL"`
	MaxTTL     time.Duration `yaml:"max_ttl" env:"VIDVAULT_LINK_MAX_TTL"`
}

// RedisConfig enables shared trim locks and link rate-limit windows when an
// address is set.
type RedisConfig struct {
	Addr          string        `yaml:"addr" env:"VIDVAULT_REDIS_ADDR"`
	Addrs         []string      `yaml:"addrs" env:"VIDVAULT_REDIS_ADDRS"`
	Username      string        `yaml:"username" env:"VIDVAULT_REDIS_USERNAME"`
	Password      string        `yaml:"password" env:"VIDVAULT_REDIS_PASSWORD"`
	MasterName    string        `yaml:"master_name" env:"VIDVAULT_REDIS_MASTER_NAME"`
	PoolSize      int           `yaml:"pool_size" env:"VIDVAULT_REDIS_POOL_SIZE"`
	DialTimeout   time.Duration `yaml:"dial_timeout" env:"VIDVAULT_REDIS_DIAL_TIMEOUT"`
	TLSCAFile     string        `yaml:"tls_ca_file" env:"VIDVAULT_REDIS_TLS_CA"`
	TLSCertFile   string        `yaml:"tls_cert_file" env:"VIDVAULT_REDIS_TLS_CERT"`
	TLSKeyFile    string        `yaml:"tls_key_file" env:"VIDVAULT_REDIS_TLS_KEY"`
	TLSServerName string        `yaml:"tls_server_name" env:"VIDVAULT_REDIS_TLS_SERVER_NAME"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify" env:"VIDVAULT_REDIS_TLS_SKIP_VERIFY"`
	LockTTL       time.Duration `yaml:"lock_ttl" env:"VIDVAULT_REDIS_LOCK_TTL"`
}

type RateLimitConfig struct {
	GlobalRPS    float64       `yaml:"global_rps" env:"VIDVAULT_RATE_GLOBAL_RPS"`
	GlobalBurst  int           `yaml:"global_burst" env:"VIDVAULT_RATE_GLOBAL_BURST"`
	LinkLimit    int           `yaml:"link_limit" env:"VIDVAULT_RATE_LINK_LIMIT"`
	LinkWindow   time.Duration `yaml:"link_window" env:"VIDVAULT_RATE_LINK_WINDOW"`
	RedisTimeout time.Duration `yaml:"redis_timeout" env:"VIDVAULT_RATE_REDIS_TIMEOUT"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"VIDVAULT_LOG_LEVEL"`
	Format string `yaml:"format" env:"VIDVAULT_LOG_FORMAT"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":3000",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Minute,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       time.Minute,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     string(storage.DriverJSON),
			JSONPath:   "data/videos.json",
			SQLitePath: "data/vidvault.db",
		},
		Uploads: UploadConfig{
			Dir:              "uploads",
			MaxFiles:         10,
			MaxFileBytes:     25 << 20,
			MinDuration:      5,
			MaxDuration:      25,
			ProbeConcurrency: 4,
			RemoveSuperseded: true,
		},
		Media: MediaConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			Preset:      "veryfast",
		},
		Links: LinkConfig{
			BaseURL:    "http://localhost:3000",
			DefaultTTL: time.Hour,
			MaxTTL:     7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			LinkLimit:    30,
			LinkWindow:   time.Minute,
			RedisTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load layers the YAML file at path (when non-empty) and then the environment
// over Default, applies each override in order, and validates the result.
func Load(path string, lookup func(string) (string, bool), overrides ...func(*Config)) (Config, error) {
	cfg, err := read(path, lookup)
	if err != nil {
		return Config{}, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if lookup != nil {
		if err := applyEnv(reflect.ValueOf(&cfg).Elem(), lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, lookup); err != nil {
				return err
			}
			continue
		}
		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		field.Set(reflect.ValueOf(SplitList(value)))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

// SplitList splits a comma separated value, dropping empty entries.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	driver, err := storage.ParseDriver(c.Storage.Driver)
	if err != nil {
		errs = append(errs, err)
	}
	switch driver {
	case storage.DriverJSON:
		if strings.TrimSpace(c.Storage.JSONPath) == "" {
			errs = append(errs, errors.New("storage.json_path is required for the json driver"))
		}
	case storage.DriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	case storage.DriverSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		errs = append(errs, errors.New("uploads.dir is required"))
	}
	if c.Uploads.MaxFiles <= 0 {
		errs = append(errs, errors.New("uploads.max_files must be positive"))
	}
	if c.Uploads.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("uploads.max_file_bytes must be positive"))
	}
	if c.Uploads.MinDuration < 0 || c.Uploads.MaxDuration <= c.Uploads.MinDuration {
		errs = append(errs, fmt.Errorf("uploads duration window [%v, %v] is invalid", c.Uploads.MinDuration, c.Uploads.MaxDuration))
	}
	if len(strings.TrimSpace(c.Links.Secret)) < 16 {
		errs = append(errs, errors.New("links.secret must be at least 16 characters"))
	}
	if c.Links.MaxTTL > 0 && c.Links.DefaultTTL > c.Links.MaxTTL {
		errs = append(errs, errors.New("links.default_ttl exceeds links.max_ttl"))
	}
	if (strings.TrimSpace(c.Server.TLSCertFile) == "") != (strings.TrimSpace(c.Server.TLSKeyFile) == "") {
		errs = append(errs, errors.New("server tls cert and key must be set together"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Logging.Format))
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.LinkLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	return errors.Join(errs...)
}

// StorageDriver returns the parsed storage driver. Call after Validate.
func (c Config) StorageDriver() storage.Driver {
	driver, _ := storage.ParseDriver(c.Storage.Driver)
	return driver
}

// RedisClientConfig converts the redis section for redisutil.NewClient.
func (c RedisConfig) RedisClientConfig() redisutil.Config {
	return redisutil.Config{
		Addr:        c.Addr,
		Addrs:       c.Addrs,
		Username:    c.Username,
		Password:    c.Password,
		MasterName:  c.MasterName,
		DialTimeout: c.DialTimeout,
		PoolSize:    c.PoolSize,
		TLS: redisutil.TLSConfig{
			CAFile:             c.TLSCAFile,
			CertFile:           c.TLSCertFile,
			KeyFile:            c.TLSKeyFile,
			ServerName:         c.TLSServerName,
			InsecureSkipVerify: c.TLSSkipVerify,
		},
	}
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.RedisClientConfig().Enabled()
}
