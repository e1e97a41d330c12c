package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr string

	LogLevel string
	LogFile  string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// RoomRepository selects the room metadata backend: "mysql" or "memory".
	RoomRepository string
	// RelayBackend selects cross-instance fan-out: "local", "redis" or "nats".
	RelayBackend string
	NatsURL      string
	// InstanceID identifies this process for room ownership; random when unset.
	InstanceID   string
	RoomLeaseTTL time.Duration

	// MinIO配置，Endpoint 为空时不归档
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	JWTSecret string
	TokenTTL  time.Duration

	ResolverURL     string
	ResolverTimeout time.Duration

	RoomIdleTTL      time.Duration
	ClientSendBuffer int
	RoomDefaultsFile string

	SyncRetryInterval time.Duration
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "yoyo"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RoomRepository: getEnv("ROOM_REPOSITORY", "mysql"),
		RelayBackend:   getEnv("RELAY_BACKEND", "local"),
		NatsURL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		InstanceID:     getEnv("INSTANCE_ID", uuid.NewString()),
		RoomLeaseTTL:   getEnvDuration("ROOM_LEASE_TTL", 15*time.Second),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "yoyo-rooms"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 24*time.Hour),

		ResolverURL:     getEnv("RESOLVER_URL", ""),
		ResolverTimeout: getEnvDuration("RESOLVER_TIMEOUT", 10*time.Second),

		RoomIdleTTL:      getEnvDuration("ROOM_IDLE_TTL", 5*time.Minute),
		ClientSendBuffer: getEnvInt("CLIENT_SEND_BUFFER", 256),
		RoomDefaultsFile: getEnv("ROOM_DEFAULTS_FILE", ""),

		SyncRetryInterval: getEnvDuration("SYNC_RETRY_INTERVAL", 3*time.Second),
	}
}

// RedisAddr returns host:port for the Redis clients.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
