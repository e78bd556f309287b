package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort                = "8080"
	defaultElevenLabsBaseURL   = "https://api.elevenlabs.io/v1"
	defaultElevenLabsTimeout   = 10 * time.Second
	defaultTicketTTL           = time.Hour
	defaultMongoDatabase       = "bookvoice"
	defaultCredentialRateLimit = 5.0
	defaultConversationMaxAge  = 2 * time.Hour
	defaultShutdownTimeout     = 10 * time.Second
)

// Config holds process-wide configuration. It is read once at startup and
// passed explicitly to every component; nothing reads the environment later.
type Config struct {
	Port string
	Env  string

	// ElevenLabs credentials. Either one missing puts the credential proxy in demo mode.
	ElevenLabsAPIKey  string
	AgentID           string
	ElevenLabsBaseURL string
	ElevenLabsTimeout time.Duration

	JWTSecret          []byte
	GeneratedJWTSecret bool
	TicketTTL          time.Duration

	// MongoURI empty means conversation history is kept in memory.
	MongoURI      string
	MongoDatabase string

	CredentialRateLimit float64
	ConversationMaxAge  time.Duration
	ShutdownTimeout     time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := Config{
		Port:              getenv("PORT", defaultPort),
		Env:               getenv("APP_ENV", "production"),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		AgentID:           os.Getenv("AGENT_ID"),
		ElevenLabsBaseURL: getenv("ELEVENLABS_API_BASE_URL", defaultElevenLabsBaseURL),
		MongoURI:          os.Getenv("MONGODB_URI"),
		MongoDatabase:     getenv("MONGODB_DATABASE", defaultMongoDatabase),
	}

	var err error
	if cfg.ElevenLabsTimeout, err = durationEnv("ELEVENLABS_TIMEOUT", defaultElevenLabsTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TicketTTL, err = durationEnv("TICKET_TTL", defaultTicketTTL); err != nil {
		return Config{}, err
	}
	if cfg.ConversationMaxAge, err = durationEnv("CONVERSATION_MAX_AGE", defaultConversationMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return Config{}, err
	}

	cfg.CredentialRateLimit = defaultCredentialRateLimit
	if raw := os.Getenv("CREDENTIAL_RATE_LIMIT"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CREDENTIAL_RATE_LIMIT %q: %w", raw, err)
		}
		cfg.CredentialRateLimit = v
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = []byte(secret)
	} else {
		cfg.JWTSecret, err = randomSecret()
		if err != nil {
			return Config{}, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.GeneratedJWTSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would make the server misbehave.
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.ElevenLabsBaseURL == "" {
		return errors.New("elevenlabs base URL is required")
	}
	if c.ElevenLabsTimeout <= 0 {
		return fmt.Errorf("elevenlabs timeout must be positive, got %s", c.ElevenLabsTimeout)
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("ticket TTL must be positive, got %s", c.TicketTTL)
	}
	if c.CredentialRateLimit <= 0 {
		return fmt.Errorf("credential rate limit must be positive, got %f", c.CredentialRateLimit)
	}
	if c.ConversationMaxAge <= 0 {
		return fmt.Errorf("conversation max age must be positive, got %s", c.ConversationMaxAge)
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("JWT secret must be at least 16 bytes")
	}
	return nil
}

// DemoMode reports whether credential issuance will fall back to the demo placeholder
// for requests that do not carry their own agent id.
func (c Config) DemoMode() bool {
	return c.ElevenLabsAPIKey == "" || c.AgentID == ""
}

// Development reports whether the process runs in a development environment.
func (c Config) Development() bool {
	return c.Env == "development"
}

// Warnings lists configuration gaps worth logging at startup.
func (c Config) Warnings() []string {
	var warnings []string
	if c.ElevenLabsAPIKey == "" {
		warnings = append(warnings, "ELEVENLABS_API_KEY not set - credential proxy runs in demo mode")
	}
	if c.AgentID == "" {
		warnings = append(warnings, "AGENT_ID not set - requests without agent_id get the demo placeholder")
	}
	if c.GeneratedJWTSecret {
		warnings = append(warnings, "JWT_SECRET not set - using a per-process secret, tickets do not survive restarts")
	}
	if c.MongoURI == "" {
		warnings = append(warnings, "MONGODB_URI not set - conversation history is kept in memory")
	}
	return warnings
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func randomSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}
