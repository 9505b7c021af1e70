package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	RelyingParty  RelyingPartyConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	OTP           OTPConfig
	Challenge     ChallengeConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RelyingPartyConfig configures the WebAuthn relying party handed to the
// external verifier.
type RelyingPartyConfig struct {
	ID          string
	DisplayName string
	Origins     []string

	// VerifyTimeout bounds a single verifier call; ceremonies fail rather
	// than hang when the oracle stalls.
	VerifyTimeout time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers            []string
	EventsTopic        string
	NotificationsTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string

	// EventRetention is how long security events are kept before the
	// retention sweep drops them.
	EventRetention time.Duration
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	EventsIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type OTPConfig struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
}

type ChallengeConfig struct {
	TTL time.Duration
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type RateLimitConfig struct {
	CeremonyStartsPerMinute int
	OTPSendsPerHour         int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment (and .env in dev)
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// Best-effort; production injects real env vars
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/lib/passkey-service/autocert"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			RelyingParty: RelyingPartyConfig{
				ID:            getEnv("RP_ID", "localhost"),
				DisplayName:   getEnv("RP_DISPLAY_NAME", "Passkey Service"),
				Origins:       getEnvSlice("RP_ORIGINS", []string{"http://localhost:8080"}),
				VerifyTimeout: getEnvDuration("RP_VERIFY_TIMEOUT", 5*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "passkeys"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:            getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				EventsTopic:        getEnv("KAFKA_EVENTS_TOPIC", "security-events"),
				NotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "otp-notifications"),
			},
			Clickhouse: ClickhouseConfig{
				URL:            getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database:       getEnv("CLICKHOUSE_DATABASE", "passkeys"),
				Username:       getEnv("CLICKHOUSE_USERNAME", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				EventRetention: getEnvDuration("CLICKHOUSE_EVENT_RETENTION", 90*24*time.Hour),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:         getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:    getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:    getEnv("ELASTICSEARCH_PASSWORD", ""),
				EventsIndex: getEnv("ELASTICSEARCH_EVENTS_INDEX", "security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			OTP: OTPConfig{
				CodeLength:  getEnvInt("OTP_CODE_LENGTH", 6),
				TTL:         getEnvDuration("OTP_TTL", 5*time.Minute),
				MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 3),
			},
			Challenge: ChallengeConfig{
				TTL: getEnvDuration("CHALLENGE_TTL", 5*time.Minute),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 4),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 64),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 16),
			},
			RateLimit: RateLimitConfig{
				CeremonyStartsPerMinute: getEnvInt("RATE_LIMIT_CEREMONY_STARTS", 30),
				OTPSendsPerHour:         getEnvInt("RATE_LIMIT_OTP_SENDS", 10),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
