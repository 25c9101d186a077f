package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port           int
	RedisURL       string
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration
	GeminiAPIKey   string
	AllowedOrigins []string
	SystemPrompt   string // Overrides the built-in default when set
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:           8080,
		RedisURL:       "localhost:6379",
		RedisPassword:  "",
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		AllowedOrigins: []string{"*"},
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// Optional: SYSTEM_PROMPT
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		config.SystemPrompt = prompt
	}

	return config, nil
}

// ClientConfig holds everything the CLI client needs to start a
// conversation.
type ClientConfig struct {
	ServerOrigin    string
	Provider        string
	Voice           string
	Language        string
	SystemPrompt    string
	AffectiveDialog bool
	ProactiveAudio  bool
	GoogleSearch    bool
}

// LoadClientConfig loads the client-side environment.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	config := &ClientConfig{
		ServerOrigin: "http://localhost:8080",
		Provider:     "gemini",
	}

	if origin := os.Getenv("SERVER_ORIGIN"); origin != "" {
		config.ServerOrigin = origin
	}
	if provider := os.Getenv("PROVIDER"); provider != "" {
		config.Provider = provider
	}
	config.Voice = os.Getenv("VOICE")
	config.Language = os.Getenv("LANGUAGE")
	config.SystemPrompt = os.Getenv("SYSTEM_PROMPT")

	var err error
	if config.AffectiveDialog, err = boolEnv("AFFECTIVE_DIALOG"); err != nil {
		return nil, err
	}
	if config.ProactiveAudio, err = boolEnv("PROACTIVE_AUDIO"); err != nil {
		return nil, err
	}
	if config.GoogleSearch, err = boolEnv("GOOGLE_SEARCH"); err != nil {
		return nil, err
	}

	return config, nil
}

func boolEnv(key string) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
