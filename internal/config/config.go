package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Tracing   TracingConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Identity  IdentityConfig
	Keycloak  KeycloakConfig
	SMTP      SMTPConfig
	Session   SessionConfig
	Sync      SyncConfig
	Kafka     KafkaConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Version     string
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host               string
	Port               int
	Name               string
	User               string
	Password           string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	SlowQueryThreshold time.Duration
}

func (d DatabaseConfig) DNS() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s Timezone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

// RedisConfig backs the flow, session and handoff stores. An empty Addr selects
// the in-memory stores, which only work for a single replica.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
}

type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
	SampleRate   float64
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

type RateLimitConfig struct {
	// Global Rate limit per IP
	RequestsPerSecond float64
	BurstSize         int
	// Auth endpoints have stricter limits
	AuthRequestsPerMinute int
}

// IdentityConfig selects the identity provider: "local" or "keycloak".
type IdentityConfig struct {
	Provider           string
	TOTPIssuer         string
	AttemptTTL         time.Duration
	CodeTTL            time.Duration
	ProviderSessionTTL time.Duration
}

type KeycloakConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RoleClaim    string
	UserCacheTTL time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	User     string
	Password string
}

type SessionConfig struct {
	TTL          time.Duration
	FlowTTL      time.Duration
	HandoffTTL   time.Duration
	SecureCookie bool
}

// SyncConfig controls the user-sync action. Mode "local" runs the upsert in
// process; "remote" calls another replica's sync endpoint over HTTP.
type SyncConfig struct {
	Mode            string
	Endpoint        string
	SharedSecret    string
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	RequestTimeout  time.Duration
	CAFile          string
	ClientCertFile  string
	ClientKeyFile   string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("APP_NAME"),
			Environment: v.GetString("APP_ENV"),
			Version:     v.GetString("APP_VERSION"),
		},
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetInt("SERVER_PORT"),
			ReadTimeout:     v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("SERVER_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
			TLSCertFile:     v.GetString("SERVER_TLS_CERT_FILE"),
			TLSKeyFile:      v.GetString("SERVER_TLS_KEY_FILE"),
		},
		Database: DatabaseConfig{
			Host:               v.GetString("DB_HOST"),
			Port:               v.GetInt("DB_PORT"),
			Name:               v.GetString("DB_NAME"),
			User:               v.GetString("DB_USER"),
			Password:           v.GetString("DB_PASSWORD"),
			SSLMode:            v.GetString("DB_SSLMODE"),
			MaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime:    v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime:    v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			SlowQueryThreshold: v.GetDuration("DB_SLOW_QUERY_THRESHOLD"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			Secret:          v.GetString("JWT_SECRET"),
			AccessTokenTTL:  v.GetDuration("JWT_ACCESS_TTL"),
			RefreshTokenTTL: v.GetDuration("JWT_REFRESH_TTL"),
			Issuer:          v.GetString("JWT_ISSUER"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			OutputPath: v.GetString("LOG_OUTPUT"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("TRACING_ENABLED"),
			ServiceName:  v.GetString("TRACING_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:     v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRate:   v.GetFloat64("TRACING_SAMPLE_RATE"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getSlice(v, "CORS_ALLOWED_ORIGINS"),
			AllowedMethods: getSlice(v, "CORS_ALLOWED_METHODS"),
			AllowedHeaders: getSlice(v, "CORS_ALLOWED_HEADERS"),
			MaxAge:         v.GetDuration("CORS_MAX_AGE"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:     v.GetFloat64("RATE_LIMIT_RPS"),
			BurstSize:             v.GetInt("RATE_LIMIT_BURST"),
			AuthRequestsPerMinute: v.GetInt("RATE_LIMIT_AUTH_RPM"),
		},
		Identity: IdentityConfig{
			Provider:           strings.ToLower(v.GetString("IDENTITY_PROVIDER")),
			TOTPIssuer:         v.GetString("IDENTITY_TOTP_ISSUER"),
			AttemptTTL:         v.GetDuration("IDENTITY_ATTEMPT_TTL"),
			CodeTTL:            v.GetDuration("IDENTITY_CODE_TTL"),
			ProviderSessionTTL: v.GetDuration("IDENTITY_SESSION_TTL"),
		},
		Keycloak: KeycloakConfig{
			Issuer:       v.GetString("KEYCLOAK_ISSUER"),
			ClientID:     v.GetString("KEYCLOAK_CLIENT_ID"),
			ClientSecret: v.GetString("KEYCLOAK_CLIENT_SECRET"),
			RoleClaim:    v.GetString("KEYCLOAK_ROLE_CLAIM"),
			UserCacheTTL: v.GetDuration("KEYCLOAK_USER_CACHE_TTL"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			From:     v.GetString("SMTP_FROM"),
			User:     v.GetString("SMTP_USER"),
			Password: v.GetString("SMTP_PASSWORD"),
		},
		Session: SessionConfig{
			TTL:          v.GetDuration("SESSION_TTL"),
			FlowTTL:      v.GetDuration("SESSION_FLOW_TTL"),
			HandoffTTL:   v.GetDuration("SESSION_HANDOFF_TTL"),
			SecureCookie: v.GetBool("SESSION_SECURE_COOKIE"),
		},
		Sync: SyncConfig{
			Mode:            strings.ToLower(v.GetString("SYNC_MODE")),
			Endpoint:        v.GetString("SYNC_ENDPOINT"),
			SharedSecret:    v.GetString("SYNC_SHARED_SECRET"),
			MaxAttempts:     v.GetInt("SYNC_MAX_ATTEMPTS"),
			InitialInterval: v.GetDuration("SYNC_INITIAL_INTERVAL"),
			Multiplier:      v.GetFloat64("SYNC_MULTIPLIER"),
			RequestTimeout:  v.GetDuration("SYNC_REQUEST_TIMEOUT"),
			CAFile:          v.GetString("SYNC_CA_FILE"),
			ClientCertFile:  v.GetString("SYNC_CLIENT_CERT_FILE"),
			ClientKeyFile:   v.GetString("SYNC_CLIENT_KEY_FILE"),
		},
		Kafka: KafkaConfig{
			Brokers: getSlice(v, "KAFKA_BROKERS"),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "medportal")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_VERSION", "0.0.0")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("SERVER_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "medportal")
	v.SetDefault("DB_USER", "medportal")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_SSLMODE", "require")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute)
	v.SetDefault("DB_SLOW_QUERY_THRESHOLD", 200*time.Millisecond)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", 15*time.Minute)
	v.SetDefault("JWT_REFRESH_TTL", 7*24*time.Hour)
	v.SetDefault("JWT_ISSUER", "medportal-api")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_OUTPUT", "stdout")

	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_SERVICE_NAME", "medportal-api")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4318")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("TRACING_SAMPLE_RATE", 0.1)

	v.SetDefault("CORS_ALLOWED_ORIGINS", "https://portal.medportal.io")
	v.SetDefault("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	v.SetDefault("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-ID")
	v.SetDefault("CORS_MAX_AGE", 12*time.Hour)

	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("RATE_LIMIT_AUTH_RPM", 10)

	v.SetDefault("IDENTITY_PROVIDER", "local")
	v.SetDefault("IDENTITY_TOTP_ISSUER", "MedPortal")
	v.SetDefault("IDENTITY_ATTEMPT_TTL", 10*time.Minute)
	v.SetDefault("IDENTITY_CODE_TTL", 10*time.Minute)
	v.SetDefault("IDENTITY_SESSION_TTL", 24*time.Hour)

	v.SetDefault("KEYCLOAK_ROLE_CLAIM", "realm_access.roles")
	v.SetDefault("KEYCLOAK_USER_CACHE_TTL", 30*time.Minute)

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@medportal.io")

	v.SetDefault("SESSION_TTL", 12*time.Hour)
	v.SetDefault("SESSION_FLOW_TTL", 10*time.Minute)
	v.SetDefault("SESSION_HANDOFF_TTL", 24*time.Hour)
	v.SetDefault("SESSION_SECURE_COOKIE", true)

	v.SetDefault("SYNC_MODE", "local")
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_INITIAL_INTERVAL", time.Second)
	v.SetDefault("SYNC_MULTIPLIER", 2.0)
	v.SetDefault("SYNC_REQUEST_TIMEOUT", 5*time.Second)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "medportal.auth-events")
}

// validate enforces production security requirements.
func validate(cfg *Config) error {
	var errs []string

	if cfg.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWT.Secret) < 32 && cfg.App.Environment == "production" {
		errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
	}

	if cfg.Database.Password == "" && cfg.App.Environment != "development" {
		errs = append(errs, "DB_PASSWORD is required in non-development environments")
	}

	if cfg.Database.SSLMode == "disable" && cfg.App.Environment == "production" {
		errs = append(errs, "DB_SSLMODE=disable is not allowed in production")
	}

	switch cfg.Identity.Provider {
	case "local":
	case "keycloak":
		if cfg.Keycloak.Issuer == "" || cfg.Keycloak.ClientID == "" {
			errs = append(errs, "KEYCLOAK_ISSUER and KEYCLOAK_CLIENT_ID are required when IDENTITY_PROVIDER=keycloak")
		}
	default:
		errs = append(errs, fmt.Sprintf("IDENTITY_PROVIDER %q is not supported", cfg.Identity.Provider))
	}

	switch cfg.Sync.Mode {
	case "local":
	case "remote":
		if cfg.Sync.Endpoint == "" {
			errs = append(errs, "SYNC_ENDPOINT is required when SYNC_MODE=remote")
		}
		// The remote replica looks users up through the admin API, which
		// needs the client's service account.
		if cfg.Identity.Provider == "keycloak" && cfg.Keycloak.ClientSecret == "" {
			errs = append(errs, "KEYCLOAK_CLIENT_SECRET is required when SYNC_MODE=remote with IDENTITY_PROVIDER=keycloak")
		}
	default:
		errs = append(errs, fmt.Sprintf("SYNC_MODE %q is not supported", cfg.Sync.Mode))
	}

	if cfg.Sync.MaxAttempts < 1 {
		errs = append(errs, "SYNC_MAX_ATTEMPTS must be at least 1")
	}

	if cfg.Redis.Addr == "" && cfg.App.Environment == "production" {
		errs = append(errs, "REDIS_ADDR is required in production")
	}

	if !cfg.Session.SecureCookie && cfg.App.Environment == "production" {
		errs = append(errs, "SESSION_SECURE_COOKIE=false is not allowed in production")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func getSlice(v *viper.Viper, key string) []string {
	parts := strings.Split(v.GetString(key), ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
