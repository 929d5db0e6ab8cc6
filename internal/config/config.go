package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// EnvConfigPath overrides the default configuration file location
const EnvConfigPath = "FERRY_CONFIG"

const DefaultPath = "config/config.json"

// Config represents the entire application configuration
type Config struct {
	Env        string         `json:"env"`
	Port       int            `json:"port"`
	AppName    string         `json:"app_name"`
	SchemaFile string         `json:"schema_file"`
	MongoDB    MongoDBConfig  `json:"mongodb"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
	S3         S3Config       `json:"s3"`
	Storage    StorageConfig  `json:"storage"`
	Logging    LoggingConfig  `json:"logging"`
	CORS       CORSConfig     `json:"cors"`
	Jobs       JobsConfig     `json:"jobs"`
	Auth       AuthConfig     `json:"auth"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig configures the audit event exchange
type RabbitMQConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key"`
	BufferSize int    `json:"buffer_size"`
}

// S3Config configures the object store used for import sources and export artifacts
type S3Config struct {
	Enabled      bool   `json:"enabled"`
	Region       string `json:"region"`
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	Endpoint     string `json:"endpoint,omitempty"`
	UsePathStyle bool   `json:"use_path_style"`
	// AccessKey and SecretKey are optional; the default credential chain is
	// used when they are empty
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// StorageConfig selects the backends for records and artifacts
type StorageConfig struct {
	// Records is "mongodb" or "memory"
	Records string `json:"records"`
	// Artifacts is "s3" or "local"
	Artifacts string `json:"artifacts"`
	LocalDir  string `json:"local_dir"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI              string `json:"uri"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	DB               string `json:"db"`
	JobRetentionDays int    `json:"job_retention_days"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// JobsConfig tunes the worker pool and the job lifecycle
type JobsConfig struct {
	Workers          int `json:"workers"`
	MaxAttempts      int `json:"max_attempts"`
	RetryBaseDelayMS int `json:"retry_base_delay_ms"`
	ChunkSize        int `json:"chunk_size"`
	// FailureThreshold is unset when omitted; an explicit 0 fails a job on
	// its first bad row
	FailureThreshold   *float64 `json:"failure_threshold,omitempty"`
	StorageTimeoutMS   int      `json:"storage_timeout_ms"`
	SubscriberBuffer   int      `json:"subscriber_buffer"`
	ErrorSamples       int      `json:"error_samples"`
	SuggestThreshold   int      `json:"suggest_threshold"`
	SnapshotTTLSeconds int      `json:"snapshot_ttl_seconds"`
}

func (j JobsConfig) RetryBaseDelay() time.Duration {
	return time.Duration(j.RetryBaseDelayMS) * time.Millisecond
}

func (j JobsConfig) StorageTimeout() time.Duration {
	return time.Duration(j.StorageTimeoutMS) * time.Millisecond
}

func (j JobsConfig) SnapshotTTL() time.Duration {
	return time.Duration(j.SnapshotTTLSeconds) * time.Second
}

// AuthToken maps a bearer token to a principal and the actions it may perform
type AuthToken struct {
	Principal string   `json:"principal"`
	Actions   []string `json:"actions"`
}

type AuthConfig struct {
	Enabled bool                 `json:"enabled"`
	Tokens  map[string]AuthToken `json:"tokens"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filePath, err)
	}

	return &config, nil
}

// Path returns the configuration file location, honouring FERRY_CONFIG
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AppName == "" {
		c.AppName = "ferry"
	}
	if c.SchemaFile == "" {
		c.SchemaFile = "config/schemas.yaml"
	}
	if c.MongoDB.DB == "" {
		c.MongoDB.DB = "ferry"
	}
	if c.MongoDB.JobRetentionDays == 0 {
		c.MongoDB.JobRetentionDays = 30
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "ferry"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "ferry.audit"
	}
	if c.RabbitMQ.Queue == "" {
		c.RabbitMQ.Queue = "ferry.audit.events"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "job.#"
	}
	if c.RabbitMQ.BufferSize == 0 {
		c.RabbitMQ.BufferSize = 1024
	}
	if c.Storage.Records == "" {
		c.Storage.Records = "mongodb"
	}
	if c.Storage.Artifacts == "" {
		c.Storage.Artifacts = "local"
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = "data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	j := &c.Jobs
	if j.Workers == 0 {
		j.Workers = 4
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.RetryBaseDelayMS == 0 {
		j.RetryBaseDelayMS = 2000
	}
	if j.ChunkSize == 0 {
		j.ChunkSize = 500
	}
	if j.FailureThreshold == nil {
		threshold := 0.10
		j.FailureThreshold = &threshold
	}
	if j.StorageTimeoutMS == 0 {
		j.StorageTimeoutMS = 10000
	}
	if j.SubscriberBuffer == 0 {
		j.SubscriberBuffer = 64
	}
	if j.ErrorSamples == 0 {
		j.ErrorSamples = 10
	}
	if j.SuggestThreshold == 0 {
		j.SuggestThreshold = 70
	}
	if j.SnapshotTTLSeconds == 0 {
		j.SnapshotTTLSeconds = 3600
	}
}

// Validate fails fast on values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	j := c.Jobs

	if j.Workers < 1 {
		errs = append(errs, errors.New("jobs.workers must be at least 1"))
	}
	if j.MaxAttempts < 1 {
		errs = append(errs, errors.New("jobs.max_attempts must be at least 1"))
	}
	if j.RetryBaseDelayMS < 0 {
		errs = append(errs, errors.New("jobs.retry_base_delay_ms must not be negative"))
	}
	if j.ChunkSize < 1 {
		errs = append(errs, errors.New("jobs.chunk_size must be at least 1"))
	}
	if t := j.FailureThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, errors.New("jobs.failure_threshold must be within [0,1]"))
	}
	if j.SuggestThreshold < 0 || j.SuggestThreshold > 100 {
		errs = append(errs, errors.New("jobs.suggest_threshold must be within [0,100]"))
	}
	if j.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("jobs.subscriber_buffer must be at least 1"))
	}

	switch c.Storage.Records {
	case "mongodb":
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required when storage.records is mongodb"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.records must be mongodb or memory, got %q", c.Storage.Records))
	}

	switch c.Storage.Artifacts {
	case "s3":
		if !c.S3.Enabled || c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 must be enabled with a bucket when storage.artifacts is s3"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("storage.artifacts must be s3 or local, got %q", c.Storage.Artifacts))
	}

	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url is required when rabbitmq is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}

	return errors.Join(errs...)
}
