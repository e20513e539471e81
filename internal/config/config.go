package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int // concurrent conversations processed

	// Cache
	CacheTTL time.Duration // rule cache

	// Observability
	OTLPEndpoint string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	UseSupabase        bool

	// Redis (dedup). Empty addr → in-memory dedup.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Engine
	DedupWindow         time.Duration
	InactivityTick      time.Duration
	InactivityTimeout   time.Duration
	ConfidenceThreshold float64
	SessionTTL          time.Duration
	RulesFile           string

	// LowConfidenceHandoff transfers answers under the threshold to a human.
	LowConfidenceHandoff bool

	// Assistant (LLM service)
	AssistantAPIURL  string
	AssistantTimeout time.Duration

	// Channels (Meta Graph API)
	GraphAPIURL           string
	WhatsAppVerifyToken   string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	InstagramVerifyToken  string
	InstagramAccessToken  string
	MediaDir              string
	MediaBaseURL          string

	// JWT (operator endpoints)
	JWTSecret   string
	JWTTokenTTL time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		UseSupabase:        getEnvBool("USE_SUPABASE", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DedupWindow:         getEnvDuration("DEDUP_WINDOW", 5*time.Minute),
		InactivityTick:      getEnvDuration("INACTIVITY_TICK", 60*time.Second),
		InactivityTimeout:   getEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute),
		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.6),
		SessionTTL:          getEnvDuration("SESSION_TTL", 24*time.Hour),
		RulesFile:           getEnv("RULES_FILE", ""),

		LowConfidenceHandoff: getEnvBool("LOW_CONFIDENCE_HANDOFF", false),

		AssistantAPIURL:  getEnv("ASSISTANT_API_URL", "http://localhost:8090"),
		AssistantTimeout: getEnvDuration("ASSISTANT_TIMEOUT", 30*time.Second),

		GraphAPIURL:           getEnv("GRAPH_API_URL", "https://graph.facebook.com/v18.0"),
		WhatsAppVerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		InstagramVerifyToken:  getEnv("INSTAGRAM_VERIFY_TOKEN", ""),
		InstagramAccessToken:  getEnv("INSTAGRAM_ACCESS_TOKEN", ""),
		MediaDir:              getEnv("MEDIA_DIR", "./media"),
		MediaBaseURL:          getEnv("MEDIA_BASE_URL", "/media"),

		JWTSecret:   getEnv("JWT_SECRET", "clinic-default-dev-secret-change-me"),
		JWTTokenTTL: getEnvDuration("JWT_TOKEN_TTL", 12*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
