package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend names selectable via config.
const (
	BackendMinio  = "minio"  // MySQL/TiDB index + MinIO blobs + Redis cache
	BackendSQLite = "sqlite" // single SQLite database for index and blobs
	BackendMemory = "memory" // in-process maps, dev only
)

// Config holds all application configuration.
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string
	Backend     string
	ChunkSize   int64
	GCInterval  time.Duration
	GCGrace     time.Duration

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Database configuration (MySQL/TiDB for the minio backend)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBDatabase string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from an optional YAML file (CONFIG_PATH,
// default ./gridvault.yaml), then applies environment variable overrides.
func LoadConfig() (*Config, error) {
	config := &Config{
		ServicePort: "5000",
		ServiceName: "gridvault",
		Backend:     BackendMinio,
		ChunkSize:   255 * 1024,
		GCInterval:  5 * time.Minute,
		GCGrace:     15 * time.Minute,

		MinIOEndpoint:   "localhost:9000",
		MinIOAccessKey:  "minioadmin",
		MinIOSecretKey:  "minioadmin",
		MinIOBucketName: "gridvault",
		MinIOUseSSL:     false,

		DBHost:     "localhost",
		DBPort:     "4000",
		DBUser:     "root",
		DBPassword: "",
		DBDatabase: "gridvault",

		SQLitePath: "./gridvault.db",

		RedisHost:     "localhost",
		RedisPort:     "6379",
		RedisPassword: "",
		RedisDB:       0,

		JaegerEndpoint: "http://localhost:4318",
	}

	path := getEnv("CONFIG_PATH", "gridvault.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := applyFile(config, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(config)

	switch config.Backend {
	case BackendMinio, BackendSQLite, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}

	return config, nil
}

func applyEnv(c *Config) {
	c.ServicePort = getEnv("SERVICE_PORT", c.ServicePort)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Backend = getEnv("STORAGE_BACKEND", c.Backend)
	c.ChunkSize = getEnvAsInt64("CHUNK_SIZE_BYTES", c.ChunkSize)
	c.GCInterval = getEnvAsDuration("GC_INTERVAL", c.GCInterval)
	c.GCGrace = getEnvAsDuration("GC_GRACE_PERIOD", c.GCGrace)

	c.MinIOEndpoint = getEnv("MINIO_ENDPOINT", c.MinIOEndpoint)
	c.MinIOAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIOAccessKey)
	c.MinIOSecretKey = getEnv("MINIO_SECRET_KEY", c.MinIOSecretKey)
	c.MinIOBucketName = getEnv("MINIO_BUCKET_NAME", c.MinIOBucketName)
	c.MinIOUseSSL = getEnvAsBool("MINIO_USE_SSL", c.MinIOUseSSL)

	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.DBDatabase = getEnv("DB_DATABASE", c.DBDatabase)

	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnv("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)

	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
}

// fileConfig is the YAML shape of the config file. Durations are strings in
// time.ParseDuration format. Only keys present in the file override the
// defaults.
type fileConfig struct {
	ServicePort *string `yaml:"service_port"`
	ServiceName *string `yaml:"service_name"`
	Backend     *string `yaml:"backend"`
	ChunkSize   *int64  `yaml:"chunk_size"`
	GCInterval  *string `yaml:"gc_interval"`
	GCGrace     *string `yaml:"gc_grace"`

	MinIOEndpoint   *string `yaml:"minio_endpoint"`
	MinIOAccessKey  *string `yaml:"minio_access_key"`
	MinIOSecretKey  *string `yaml:"minio_secret_key"`
	MinIOBucketName *string `yaml:"minio_bucket_name"`
	MinIOUseSSL     *bool   `yaml:"minio_use_ssl"`

	DBHost     *string `yaml:"db_host"`
	DBPort     *string `yaml:"db_port"`
	DBUser     *string `yaml:"db_user"`
	DBPassword *string `yaml:"db_password"`
	DBDatabase *string `yaml:"db_database"`

	SQLitePath *string `yaml:"sqlite_path"`

	RedisHost     *string `yaml:"redis_host"`
	RedisPort     *string `yaml:"redis_port"`
	RedisPassword *string `yaml:"redis_password"`
	RedisDB       *int    `yaml:"redis_db"`

	JaegerEndpoint *string `yaml:"jaeger_endpoint"`
}

func applyFile(c *Config, data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.ServicePort, f.ServicePort)
	setString(&c.ServiceName, f.ServiceName)
	setString(&c.Backend, f.Backend)
	if f.ChunkSize != nil {
		c.ChunkSize = *f.ChunkSize
	}
	if f.GCInterval != nil {
		d, err := time.ParseDuration(*f.GCInterval)
		if err != nil {
			return fmt.Errorf("invalid gc_interval: %w", err)
		}
		c.GCInterval = d
	}
	if f.GCGrace != nil {
		d, err := time.ParseDuration(*f.GCGrace)
		if err != nil {
			return fmt.Errorf("invalid gc_grace: %w", err)
		}
		c.GCGrace = d
	}

	setString(&c.MinIOEndpoint, f.MinIOEndpoint)
	setString(&c.MinIOAccessKey, f.MinIOAccessKey)
	setString(&c.MinIOSecretKey, f.MinIOSecretKey)
	setString(&c.MinIOBucketName, f.MinIOBucketName)
	if f.MinIOUseSSL != nil {
		c.MinIOUseSSL = *f.MinIOUseSSL
	}

	setString(&c.DBHost, f.DBHost)
	setString(&c.DBPort, f.DBPort)
	setString(&c.DBUser, f.DBUser)
	setString(&c.DBPassword, f.DBPassword)
	setString(&c.DBDatabase, f.DBDatabase)
	setString(&c.SQLitePath, f.SQLitePath)

	setString(&c.RedisHost, f.RedisHost)
	setString(&c.RedisPort, f.RedisPort)
	setString(&c.RedisPassword, f.RedisPassword)
	if f.RedisDB != nil {
		c.RedisDB = *f.RedisDB
	}

	setString(&c.JaegerEndpoint, f.JaegerEndpoint)
	return nil
}

// GetDSN returns the MySQL/TiDB connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBDatabase,
	)
}

// GetRedisAddr returns the Redis address.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
