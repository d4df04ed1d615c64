package config

import (
	"errors"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the relay's runtime configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSecret      string
	DevTokenMint   bool

	EngineProvider string
	EngineAPIKey   string
	EngineURL      string
	EngineModel    string
	SampleRate     int
	Language       string
	Punctuate      bool
	SmartFormat    bool

	AuthGrace    time.Duration
	StopDrain    time.Duration
	GeminiAPIKey string
	MongoURI     string
	MongoDB      string
	LogLevel     string
}

type envConfig struct {
	ListenAddr       string `env:"LISTEN_ADDR" envDefault:":8080"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	JWTSecret        string `env:"JWT_SECRET"`
	DevTokenMint     bool   `env:"DEV_TOKEN_MINT" envDefault:"false"`
	EngineProvider   string `env:"ENGINE_PROVIDER" envDefault:"deepgram"`
	EngineAPIKey     string `env:"ENGINE_API_KEY"`
	EngineURL        string `env:"ENGINE_URL" envDefault:"wss://api.deepgram.com/v1/listen"`
	EngineModel      string `env:"ENGINE_MODEL" envDefault:"nova-2-medical"`
	SampleRate       int    `env:"SAMPLE_RATE" envDefault:"16000"`
	Language         string `env:"LANGUAGE" envDefault:"en-US"`
	Punctuate        bool   `env:"PUNCTUATE" envDefault:"true"`
	SmartFormat      bool   `env:"SMART_FORMAT" envDefault:"true"`
	AuthGraceSeconds int    `env:"AUTH_GRACE_SECONDS" envDefault:"5"`
	StopDrainMs      int    `env:"STOP_DRAIN_MS" envDefault:"500"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	MongoURI         string `env:"MONGO_URI"`
	MongoDB          string `env:"MONGO_DATABASE" envDefault:"scribe"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment, after loading a local .env
// file when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     strings.TrimSpace(raw.ListenAddr),
		JWTSecret:      raw.JWTSecret,
		DevTokenMint:   raw.DevTokenMint,
		EngineProvider: strings.ToLower(strings.TrimSpace(raw.EngineProvider)),
		EngineAPIKey:   strings.TrimSpace(raw.EngineAPIKey),
		EngineURL:      strings.TrimSpace(raw.EngineURL),
		EngineModel:    strings.TrimSpace(raw.EngineModel),
		SampleRate:     raw.SampleRate,
		Language:       strings.TrimSpace(raw.Language),
		Punctuate:      raw.Punctuate,
		SmartFormat:    raw.SmartFormat,
		AuthGrace:      time.Duration(raw.AuthGraceSeconds) * time.Second,
		StopDrain:      time.Duration(raw.StopDrainMs) * time.Millisecond,
		GeminiAPIKey:   raw.GeminiAPIKey,
		MongoURI:       strings.TrimSpace(raw.MongoURI),
		MongoDB:        strings.TrimSpace(raw.MongoDB),
		LogLevel:       strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	for _, origin := range strings.Split(raw.AllowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run a relay.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.EngineProvider != "deepgram" && c.EngineProvider != "google" {
		return errors.New("ENGINE_PROVIDER must be deepgram or google")
	}
	if c.EngineProvider == "deepgram" {
		if c.EngineURL == "" {
			return errors.New("ENGINE_URL must not be empty")
		}
		if c.EngineAPIKey == "" {
			return errors.New("ENGINE_API_KEY must not be empty")
		}
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return errors.New("SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.AuthGrace <= 0 {
		return errors.New("AUTH_GRACE_SECONDS must be > 0")
	}
	if c.StopDrain <= 0 {
		return errors.New("STOP_DRAIN_MS must be > 0")
	}
	if len(c.AllowedOrigins) == 0 {
		return errors.New("ALLOWED_ORIGINS must not be empty")
	}
	return nil
}

// OriginAllowed reports whether the given Origin header value is acceptable.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true // non-browser clients send no Origin header
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
