package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Storage     StorageConfig
	Ingestion   IngestionConfig
	Extraction  ExtractionConfig
	Credentials CredentialsConfig
	ObjectPool  ObjectPoolConfig
	Checkpoint  CheckpointConfig
	Server      ServerConfig
	LogLevel    slog.Level
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type         string // "mongodb", "dynamodb", "postgresql", "memory"
	Region       string // For AWS DynamoDB
	Database     string
	Container    string
	Endpoint     string // Custom endpoint for local testing
	MongoDBURI   string
	PostgresURI  string
	WriteTimeout time.Duration
}

// IngestionConfig holds pipeline and scheduling configuration
type IngestionConfig struct {
	Interval             time.Duration
	RetryCount           int
	RetryDelay           time.Duration
	MaxConcurrentObjects int
	MaxConcurrentWrites  int
	Subscription         string
	ResourceGroup        string
}

// ExtractionConfig holds entity-extraction service configuration
type ExtractionConfig struct {
	Endpoint     string
	Key          string
	TemplatePath string
	Timeout      time.Duration
	RPS          float64
	Burst        int
}

// CredentialsConfig holds identity parameters used to renew the access credential
type CredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
	StaticToken  string
	Lifetime     time.Duration
	Timeout      time.Duration
}

// ObjectPoolConfig holds configuration for the optional object pool.
// The pool is disabled when Bucket is empty.
type ObjectPoolConfig struct {
	Account  string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	MaxBytes int64
	Timeout  time.Duration
}

// CheckpointConfig selects the checkpoint store backing change detection
type CheckpointConfig struct {
	Type      string // "memory", "badger", "redis"
	Path      string
	RedisAddr string
	RedisKey  string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// Load loads configuration from environment variables with defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Storage: StorageConfig{
			Type:         getEnv("STORAGE_TYPE", "mongodb"),
			Region:       getEnv("AWS_REGION", "us-west-2"),
			Database:     getEnv("COSMOSDB_DBNAME", "findings"),
			Container:    getEnv("COSMOSDB_CONTAINER", "phirecords-v9"),
			Endpoint:     getEnv("DYNAMODB_ENDPOINT", ""),
			MongoDBURI:   getEnv("COSMOSDB_ENDPOINT", getEnv("MONGODB_URI", "")),
			PostgresURI:  getEnv("POSTGRES_URI", ""),
			WriteTimeout: getEnvDuration("STORE_WRITE_TIMEOUT", 10*time.Second),
		},
		Ingestion: IngestionConfig{
			Interval:             getEnvDuration("INGESTION_INTERVAL", time.Minute),
			RetryCount:           getEnvInt("RETRY_COUNT", 3),
			RetryDelay:           getEnvDuration("RETRY_DELAY", time.Second),
			MaxConcurrentObjects: getEnvInt("MAX_CONCURRENT_OBJECTS", 8),
			MaxConcurrentWrites:  getEnvInt("MAX_CONCURRENT_WRITES", 16),
			Subscription:         getEnv("SOURCE_SUBSCRIPTION", ""),
			ResourceGroup:        getEnv("SOURCE_RESOURCE_GROUP", ""),
		},
		Extraction: ExtractionConfig{
			Endpoint:     strings.TrimRight(getEnv("LANGUAGE_ENDPOINT", ""), "/"),
			Key:          getEnv("LANGUAGE_KEY", ""),
			TemplatePath: getEnv("EXTRACTION_TEMPLATE_PATH", ""),
			Timeout:      getEnvDuration("EXTRACTION_TIMEOUT", 30*time.Second),
			RPS:          getEnvFloat("EXTRACTION_RPS", 5),
			Burst:        getEnvInt("EXTRACTION_BURST", 5),
		},
		Credentials: CredentialsConfig{
			TenantID:     getEnv("AZURE_TENANT_ID", ""),
			ClientID:     getEnv("MANAGED_IDENTITY_CLIENT_ID", getEnv("AZURE_CLIENT_ID", "")),
			ClientSecret: getEnv("AZURE_CLIENT_SECRET", ""),
			TokenURL:     getEnv("AZURE_TOKEN_URL", ""),
			Scope:        getEnv("AZURE_SCOPE", "https://cognitiveservices.azure.com/.default"),
			StaticToken:  getEnv("ACCESS_TOKEN", ""),
			Lifetime:     getEnvDuration("CREDENTIAL_LIFETIME", 55*time.Minute),
			Timeout:      getEnvDuration("CREDENTIAL_TIMEOUT", 30*time.Second),
		},
		ObjectPool: ObjectPoolConfig{
			Account:  getEnv("OBJECT_POOL_ACCOUNT", ""),
			Bucket:   getEnv("OBJECT_POOL_BUCKET", ""),
			Prefix:   getEnv("OBJECT_POOL_PREFIX", ""),
			Region:   getEnv("OBJECT_POOL_REGION", getEnv("AWS_REGION", "us-west-2")),
			Endpoint: getEnv("OBJECT_POOL_ENDPOINT", ""),
			MaxBytes: int64(getEnvInt("SOURCE_MAX_BYTES", 5<<20)),
			Timeout:  getEnvDuration("OBJECT_POOL_TIMEOUT", 30*time.Second),
		},
		Checkpoint: CheckpointConfig{
			Type:      getEnv("CHECKPOINT_TYPE", "memory"),
			Path:      getEnv("CHECKPOINT_PATH", "./data/checkpoints"),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisKey:  getEnv("REDIS_CHECKPOINT_KEY", "findings:checkpoints"),
		},
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}

	if cfg.Credentials.TokenURL == "" && cfg.Credentials.TenantID != "" {
		cfg.Credentials.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Credentials.TenantID)
	}

	return cfg, nil
}

// Validate reports configuration that the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Extraction.Endpoint == "" {
		errs = append(errs, errors.New("LANGUAGE_ENDPOINT is required"))
	}
	if c.Extraction.Key == "" {
		errs = append(errs, errors.New("LANGUAGE_KEY is required"))
	}
	if c.Credentials.StaticToken == "" && (c.Credentials.ClientID == "" || c.Credentials.TokenURL == "") {
		errs = append(errs, errors.New("either ACCESS_TOKEN or MANAGED_IDENTITY_CLIENT_ID with AZURE_TENANT_ID is required"))
	}
	switch c.Storage.Type {
	case "mongodb":
		if c.Storage.MongoDBURI == "" {
			errs = append(errs, errors.New("COSMOSDB_ENDPOINT is required for mongodb storage"))
		}
	case "postgresql":
		if c.Storage.PostgresURI == "" {
			errs = append(errs, errors.New("POSTGRES_URI is required for postgresql storage"))
		}
	case "dynamodb", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %s", c.Storage.Type))
	}
	if c.Ingestion.Interval <= 0 {
		errs = append(errs, errors.New("INGESTION_INTERVAL must be positive"))
	}
	if c.Ingestion.RetryCount < 1 {
		errs = append(errs, errors.New("RETRY_COUNT must be at least 1"))
	}
	return errors.Join(errs...)
}

// PoolEnabled reports whether an object pool is configured.
func (c ObjectPoolConfig) PoolEnabled() bool {
	return c.Bucket != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(value)); err == nil {
			return level
		}
	}
	return defaultValue
}
