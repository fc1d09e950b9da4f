package config

import (
	"errors"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/dunamismax/imageverse/internal/encode"
	"github.com/dunamismax/imageverse/internal/logging"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/ratelimit"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/storage"
	"github.com/dunamismax/imageverse/internal/telemetry"
	"github.com/dunamismax/imageverse/internal/transform"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Logging   logging.Config
	Tracing   TracingConfig
	RateLimit RateLimitConfig
	Remote    RemoteConfig
	Transform TransformConfig
}

type APIConfig struct {
	Addr            string
	MaxUploadMB     int
	ArchiveLinkTTL  time.Duration
	ShutdownTimeout time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	Retention     time.Duration
}

func (q QueueConfig) Client() queue.ClientConfig {
	return queue.ClientConfig{Queue: q.Name, MaxRetry: q.MaxRetry, Retention: q.Retention}
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	MetricsAddr    string
	WebhookSecret  string
	WebhookRetries int
}

type StorageConfig struct {
	Enabled       bool
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	Bucket        string
	UseSSL        bool
	UploadTTLDays int
}

func (s StorageConfig) Client() storage.Config {
	return storage.Config{
		Endpoint:      s.Endpoint,
		AccessKey:     s.AccessKey,
		SecretKey:     s.SecretKey,
		Region:        s.Region,
		Bucket:        s.Bucket,
		UseSSL:        s.UseSSL,
		UploadsPrefix: pipeline.UploadsPrefix,
		UploadTTLDays: s.UploadTTLDays,
	}
}

type DatabaseConfig struct {
	// DSN empty keeps batch jobs in memory.
	DSN string
}

type TracingConfig struct {
	Environment  string
	Version      string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

func (t TracingConfig) For(service string) telemetry.TraceConfig {
	return telemetry.TraceConfig{
		ServiceName:    service,
		ServiceVersion: t.Version,
		Environment:    t.Environment,
		Exporter:       t.Exporter,
		OTLPEndpoint:   t.OTLPEndpoint,
		OTLPInsecure:   t.OTLPInsecure,
		SampleRatio:    t.SampleRatio,
	}
}

type RateLimitConfig struct {
	Enabled bool
	// Backend is "redis" (shared between replicas) or "memory".
	Backend      string
	Capacity     int
	Window       time.Duration
	UserIDHeader string
	Keyspace     string
}

func (r RateLimitConfig) Bucket() ratelimit.Bucket {
	return ratelimit.Bucket{Capacity: r.Capacity, Window: r.Window, Keyspace: r.Keyspace}
}

type RemoteConfig struct {
	RemoveBGAPIKey     string
	RemoveBGEndpoint   string
	ClipdropAPIKey     string
	ClipdropEndpoint   string
	Web3FormsAccessKey string
	Web3FormsEndpoint  string
	Timeout            time.Duration
}

func (r RemoteConfig) Gateway() remote.Config {
	return remote.Config{
		RemoveBGAPIKey:   r.RemoveBGAPIKey,
		RemoveBGEndpoint: r.RemoveBGEndpoint,
		ClipdropAPIKey:   r.ClipdropAPIKey,
		ClipdropEndpoint: r.ClipdropEndpoint,
		Timeout:          r.Timeout,
	}
}

func (r RemoteConfig) FormRelay() remote.FormRelayConfig {
	return remote.FormRelayConfig{
		AccessKey: r.Web3FormsAccessKey,
		Endpoint:  r.Web3FormsEndpoint,
		Timeout:   r.Timeout,
	}
}

type TransformConfig struct {
	MaxCanvasSide     int
	CompressMaxSizeMB float64
	BatchConcurrency  int
	VipsConcurrency   int
	VipsCacheMB       int
}

func (t TransformConfig) Runtime() encode.RuntimeConfig {
	return encode.RuntimeConfig{Concurrency: t.VipsConcurrency, CacheMemMB: t.VipsCacheMB}
}

// LoadDotEnv reads the given .env files (".env" when none are named) into the
// process environment. Missing files are ignored and variables already set
// win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)
	remoteTimeout := envDuration("REMOTE_TIMEOUT", 60*time.Second)

	return Config{
		API: APIConfig{
			Addr:            env("IMAGEVERSE_API_ADDR", ":8080"),
			MaxUploadMB:     envInt("IMAGEVERSE_MAX_UPLOAD_MB", 50),
			ArchiveLinkTTL:  envDuration("IMAGEVERSE_ARCHIVE_LINK_TTL", 15*time.Minute),
			ShutdownTimeout: envDuration("IMAGEVERSE_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			MaxRetry:      envInt("ASYNC_MAX_RETRY", 3),
			Retention:     envDuration("ASYNC_RETENTION", 24*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
			WebhookSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			WebhookRetries: envInt("WEBHOOK_MAX_RETRIES", 3),
		},
		Storage: StorageConfig{
			Enabled:       envBool("MINIO_ENABLED", true),
			Endpoint:      env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:     env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:     env("MINIO_SECRET_KEY", "minioadmin"),
			Region:        env("MINIO_REGION", ""),
			Bucket:        env("MINIO_BUCKET", "imageverse-batches"),
			UseSSL:        envBool("MINIO_USE_SSL", false),
			UploadTTLDays: envInt("MINIO_UPLOAD_TTL_DAYS", 2),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Logging: logging.Config{
			Level:      env("LOG_LEVEL", "info"),
			Format:     env("LOG_FORMAT", "json"),
			File:       env("LOG_FILE", ""),
			MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   envBool("LOG_COMPRESS", false),
		},
		Tracing: TracingConfig{
			Environment:  env("IMAGEVERSE_ENV", "development"),
			Version:      env("IMAGEVERSE_VERSION", ""),
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_RATIO", 1),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", false),
			Backend:      strings.ToLower(env("RATE_LIMIT_BACKEND", "redis")),
			Capacity:     envInt("RATE_LIMIT_CAPACITY", 30),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
			Keyspace:     env("RATE_LIMIT_KEYSPACE", ratelimit.DefaultKeyspace),
		},
		Remote: RemoteConfig{
			RemoveBGAPIKey:     env("REMOVEBG_API_KEY", ""),
			RemoveBGEndpoint:   env("REMOVEBG_ENDPOINT", remote.DefaultRemoveBGEndpoint),
			ClipdropAPIKey:     env("CLIPDROP_API_KEY", ""),
			ClipdropEndpoint:   env("CLIPDROP_ENDPOINT", remote.DefaultClipdropEndpoint),
			Web3FormsAccessKey: env("WEB3FORMS_ACCESS_KEY", ""),
			Web3FormsEndpoint:  env("WEB3FORMS_ENDPOINT", remote.DefaultWeb3FormsEndpoint),
			Timeout:            remoteTimeout,
		},
		Transform: TransformConfig{
			MaxCanvasSide:     envInt("MAX_CANVAS_SIDE", transform.MaxCanvasSide),
			CompressMaxSizeMB: envFloat("COMPRESS_MAX_SIZE_MB", encode.DefaultMaxSizeMB),
			BatchConcurrency:  envInt("BATCH_CONCURRENCY", 1),
			VipsConcurrency:   envInt("VIPS_CONCURRENCY", 0),
			VipsCacheMB:       envInt("VIPS_CACHE_MB", 0),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
