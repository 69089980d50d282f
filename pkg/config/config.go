package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Storage  StorageConfig
	Uploads  UploadConfig
	Workers  WorkerConfig
	Shares   ShareConfig
	Internal InternalConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig selects and configures the object-store backend.
type StorageConfig struct {
	Backend         string // "s3" or "local"
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
	LocalDir        string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// UploadConfig bounds the upload surface.
type UploadConfig struct {
	MaxFileSizeBytes int64
	GuestExpiry      time.Duration
	TempDir          string
}

// WorkerConfig tunes the job runtime.
type WorkerConfig struct {
	HighConcurrency    int
	DefaultConcurrency int
	Lease              time.Duration
	SweepInterval      time.Duration
	UsageRetentionDays int
}

// ShareConfig sets share-link defaults.
type ShareConfig struct {
	DefaultExpiry   time.Duration
	DownloadURLTTL  time.Duration
	FrontendBaseURL string
}

// InternalConfig carries the service-to-service bearer token.
type InternalConfig struct {
	ServiceToken string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Storage = StorageConfig{
		Backend:         v.GetString("STORAGE_BACKEND"),
		Endpoint:        v.GetString("STORAGE_ENDPOINT"),
		Region:          v.GetString("STORAGE_REGION"),
		AccessKeyID:     v.GetString("STORAGE_ACCESS_KEY_ID"),
		SecretAccessKey: v.GetString("STORAGE_SECRET_ACCESS_KEY"),
		Bucket:          v.GetString("STORAGE_BUCKET"),
		UsePathStyle:    v.GetBool("STORAGE_USE_PATH_STYLE"),
		LocalDir:        v.GetString("STORAGE_LOCAL_DIR"),
		SignedURLSecret: v.GetString("STORAGE_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("STORAGE_SIGNED_URL_TTL"), 24*time.Hour),
	}

	maxUpload := v.GetInt64("UPLOAD_MAX_FILE_SIZE")
	if maxUpload <= 0 {
		maxUpload = 100 * 1024 * 1024
	}
	cfg.Uploads = UploadConfig{
		MaxFileSizeBytes: maxUpload,
		GuestExpiry:      parseDuration(v.GetString("UPLOAD_GUEST_EXPIRY"), 24*time.Hour),
		TempDir:          v.GetString("UPLOAD_TEMP_DIR"),
	}

	cfg.Workers = WorkerConfig{
		HighConcurrency:    v.GetInt("WORKER_HIGH_CONCURRENCY"),
		DefaultConcurrency: v.GetInt("WORKER_DEFAULT_CONCURRENCY"),
		Lease:              parseDuration(v.GetString("WORKER_LEASE"), 10*time.Minute),
		SweepInterval:      parseDuration(v.GetString("WORKER_SWEEP_INTERVAL"), 10*time.Second),
		UsageRetentionDays: v.GetInt("USAGE_RETENTION_DAYS"),
	}

	cfg.Shares = ShareConfig{
		DefaultExpiry:   parseDuration(v.GetString("SHARE_DEFAULT_EXPIRY"), 72*time.Hour),
		DownloadURLTTL:  parseDuration(v.GetString("SHARE_DOWNLOAD_URL_TTL"), 15*time.Minute),
		FrontendBaseURL: v.GetString("FRONTEND_URL"),
	}

	cfg.Internal = InternalConfig{ServiceToken: v.GetString("INTERNAL_SERVICE_TOKEN")}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "docflow")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_BACKEND", "local")
	v.SetDefault("STORAGE_ENDPOINT", "")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_ACCESS_KEY_ID", "")
	v.SetDefault("STORAGE_SECRET_ACCESS_KEY", "")
	v.SetDefault("STORAGE_BUCKET", "docflow-files")
	v.SetDefault("STORAGE_USE_PATH_STYLE", false)
	v.SetDefault("STORAGE_LOCAL_DIR", "./data/objects")
	v.SetDefault("STORAGE_SIGNED_URL_SECRET", "dev_storage_secret")
	v.SetDefault("STORAGE_SIGNED_URL_TTL", "24h")

	v.SetDefault("UPLOAD_MAX_FILE_SIZE", 100*1024*1024)
	v.SetDefault("UPLOAD_GUEST_EXPIRY", "24h")
	v.SetDefault("UPLOAD_TEMP_DIR", "")

	v.SetDefault("WORKER_HIGH_CONCURRENCY", 10)
	v.SetDefault("WORKER_DEFAULT_CONCURRENCY", 5)
	v.SetDefault("WORKER_LEASE", "10m")
	v.SetDefault("WORKER_SWEEP_INTERVAL", "10s")
	v.SetDefault("USAGE_RETENTION_DAYS", 90)

	v.SetDefault("SHARE_DEFAULT_EXPIRY", "72h")
	v.SetDefault("SHARE_DOWNLOAD_URL_TTL", "15m")
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")

	v.SetDefault("INTERNAL_SERVICE_TOKEN", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
