// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database, authentication, SMS provider
// credentials, per-user action limits, background jobs and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // APP_TIMEZONE must resolve on hosts without zoneinfo
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-waybill-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the database driver and connection pool.
type DBConfig struct {
	Driver       string // DB_DRIVER: sqlite|postgres|mysql
	Path         string // DB_PATH (sqlite)
	URL          string // DATABASE_URL (postgres/mysql DSN)
	MaxOpenConns int    // DB_MAX_OPEN_CONNS
	MaxIdleConns int    // DB_MAX_IDLE_CONNS
	LogQueries   bool   // DB_LOG_QUERIES
	Trace        bool   // set from OTEL.Enabled
}

// AuthConfig holds token signing and login lockout settings.
type AuthConfig struct {
	JWTSecret     string        // JWT_SECRET
	TokenTTL      time.Duration // TOKEN_TTL
	MaxAttempts   int           // LOGIN_MAX_ATTEMPTS
	Lockout       time.Duration // LOGIN_LOCKOUT
	AdminUsername string        // ADMIN_USERNAME (bootstrap when no users exist)
	AdminPassword string        // ADMIN_PASSWORD
	BcryptCost    int           // BCRYPT_COST
}

// SMSConfig selects and configures the SMS provider.
type SMSConfig struct {
	Provider         string        // SMS_PROVIDER: beem|twilio|disabled
	Language         string        // SMS_LANGUAGE: sw|en
	SenderID         string        // SMS_SENDER_ID
	BeemAPIKey       string        // BEEM_API_KEY
	BeemSecretKey    string        // BEEM_SECRET_KEY
	BeemSendURL      string        // BEEM_SEND_URL
	BeemDeliveryURL  string        // BEEM_DELIVERY_URL
	SendTimeout      time.Duration // SMS_SEND_TIMEOUT
	PollTimeout      time.Duration // SMS_POLL_TIMEOUT
	TwilioAccountSID string        // TWILIO_ACCOUNT_SID
	TwilioAuthToken  string        // TWILIO_AUTH_TOKEN
	TwilioFrom       string        // TWILIO_FROM
}

// LimitsConfig defines the per-user sliding-window action limits.
type LimitsConfig struct {
	WaybillPerWindow int           // WAYBILL_RATE_LIMIT
	StatusPerWindow  int           // STATUS_RATE_LIMIT
	Window           time.Duration // RATE_WINDOW
	Retention        time.Duration // RATE_RETENTION
}

// PhoneConfig defines the national numbering plan used for normalization.
type PhoneConfig struct {
	CountryCode string // PHONE_COUNTRY_CODE
	Region      string // PHONE_REGION (ISO 3166 alpha-2)
}

// MaintenanceConfig schedules the background jobs.
type MaintenanceConfig struct {
	PruneInterval         time.Duration // PRUNE_INTERVAL
	DeliverySweepInterval time.Duration // DELIVERY_SWEEP_INTERVAL (0 disables)
	DeliverySweepBatch    int           // DELIVERY_SWEEP_BATCH
	RedisAddr             string        // REDIS_ADDR (optional, for job locks)
	RedisPassword         string        // REDIS_PASSWORD
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DB          DBConfig
	Auth        AuthConfig
	SMS         SMSConfig
	Limits      LimitsConfig
	Phone       PhoneConfig
	Timezone    string // APP_TIMEZONE, IANA name
	Maintenance MaintenanceConfig

	// Edge rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// Location resolves Timezone, falling back to UTC when it cannot be loaded.
func (c Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Database
		DB: DBConfig{
			Driver:       strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:         getenv("DB_PATH", "waybill.db"),
			URL:          getenv("DATABASE_URL", ""),
			MaxOpenConns: getint("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getint("DB_MAX_IDLE_CONNS", 10),
			LogQueries:   getbool("DB_LOG_QUERIES", false),
		},

		// Auth
		Auth: AuthConfig{
			JWTSecret:     getenv("JWT_SECRET", ""),
			TokenTTL:      getdur("TOKEN_TTL", 12*time.Hour),
			MaxAttempts:   getint("LOGIN_MAX_ATTEMPTS", 5),
			Lockout:       getdur("LOGIN_LOCKOUT", 10*time.Minute),
			AdminUsername: getenv("ADMIN_USERNAME", "admin"),
			AdminPassword: getenv("ADMIN_PASSWORD", ""),
			BcryptCost:    getint("BCRYPT_COST", 10),
		},

		// SMS
		SMS: SMSConfig{
			Provider:         strings.ToLower(getenv("SMS_PROVIDER", "beem")),
			Language:         getenv("SMS_LANGUAGE", "sw"),
			SenderID:         getenv("SMS_SENDER_ID", "WAYBILL"),
			BeemAPIKey:       getenv("BEEM_API_KEY", ""),
			BeemSecretKey:    getenv("BEEM_SECRET_KEY", ""),
			BeemSendURL:      getenv("BEEM_SEND_URL", ""),
			BeemDeliveryURL:  getenv("BEEM_DELIVERY_URL", ""),
			SendTimeout:      getdur("SMS_SEND_TIMEOUT", 15*time.Second),
			PollTimeout:      getdur("SMS_POLL_TIMEOUT", 10*time.Second),
			TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:  getenv("TWILIO_AUTH_TOKEN", ""),
			TwilioFrom:       getenv("TWILIO_FROM", ""),
		},

		// Per-user action limits
		Limits: LimitsConfig{
			WaybillPerWindow: getint("WAYBILL_RATE_LIMIT", 10),
			StatusPerWindow:  getint("STATUS_RATE_LIMIT", 20),
			Window:           getdur("RATE_WINDOW", time.Hour),
			Retention:        getdur("RATE_RETENTION", 7*24*time.Hour),
		},

		Phone: PhoneConfig{
			CountryCode: getenv("PHONE_COUNTRY_CODE", "255"),
			Region:      strings.ToUpper(getenv("PHONE_REGION", "TZ")),
		},
		Timezone: getenv("APP_TIMEZONE", "Africa/Dar_es_Salaam"),

		Maintenance: MaintenanceConfig{
			PruneInterval:         getdur("PRUNE_INTERVAL", time.Hour),
			DeliverySweepInterval: getdur("DELIVERY_SWEEP_INTERVAL", 0),
			DeliverySweepBatch:    getint("DELIVERY_SWEEP_BATCH", 20),
			RedisAddr:             getenv("REDIS_ADDR", ""),
			RedisPassword:         getenv("REDIS_PASSWORD", ""),
		},

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-waybill-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "sqlite3" {
		cfg.DB.Driver = "sqlite"
	}
	cfg.DB.Trace = cfg.OTEL.Enabled

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required for postgres/mysql")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.DB.MaxOpenConns < 0 || cfg.DB.MaxIdleConns < 0 {
		return cfg, errors.New("DB pool sizes must be >= 0")
	}
	if len(cfg.Auth.JWTSecret) < 16 {
		return cfg, errors.New("JWT_SECRET must be at least 16 characters")
	}
	if cfg.Auth.TokenTTL <= 0 || cfg.Auth.Lockout <= 0 {
		return cfg, errors.New("TOKEN_TTL and LOGIN_LOCKOUT must be > 0")
	}
	if cfg.Auth.MaxAttempts < 1 {
		return cfg, errors.New("LOGIN_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return cfg, errors.New("BCRYPT_COST must be in [4,31]")
	}
	switch cfg.SMS.Provider {
	case "beem":
		if cfg.SMS.BeemAPIKey == "" || cfg.SMS.BeemSecretKey == "" {
			return cfg, errors.New("BEEM_API_KEY and BEEM_SECRET_KEY are required when SMS_PROVIDER=beem")
		}
	case "twilio":
		if cfg.SMS.TwilioAccountSID == "" || cfg.SMS.TwilioAuthToken == "" || cfg.SMS.TwilioFrom == "" {
			return cfg, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM are required when SMS_PROVIDER=twilio")
		}
	case "disabled":
	default:
		return cfg, errors.New("SMS_PROVIDER must be one of: beem, twilio, disabled")
	}
	if cfg.SMS.SendTimeout <= 0 || cfg.SMS.PollTimeout <= 0 {
		return cfg, errors.New("SMS_SEND_TIMEOUT and SMS_POLL_TIMEOUT must be > 0")
	}
	if cfg.Limits.WaybillPerWindow < 0 || cfg.Limits.StatusPerWindow < 0 {
		return cfg, errors.New("WAYBILL_RATE_LIMIT and STATUS_RATE_LIMIT must be >= 0")
	}
	if cfg.Limits.Window <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.Limits.Retention < cfg.Limits.Window {
		return cfg, errors.New("RATE_RETENTION must be >= RATE_WINDOW")
	}
	if !isDigits(cfg.Phone.CountryCode) {
		return cfg, errors.New("PHONE_COUNTRY_CODE must be digits")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return cfg, errors.New("APP_TIMEZONE must be a valid IANA zone")
	}
	if cfg.Maintenance.PruneInterval <= 0 {
		return cfg, errors.New("PRUNE_INTERVAL must be > 0")
	}
	if cfg.Maintenance.DeliverySweepInterval < 0 || cfg.Maintenance.DeliverySweepBatch < 1 {
		return cfg, errors.New("DELIVERY_SWEEP_INTERVAL must be >= 0 and DELIVERY_SWEEP_BATCH >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
