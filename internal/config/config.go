// Package config loads LeadPipe's environment configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// DBFileName is the SQLite file created in the state directory when no
// DATABASE_URL is given.
const DBFileName = "leadpipe.db"

// Config holds every setting read from the environment. Command line flags
// may override a few of them after loading.
type Config struct {
	// Server
	APIAddr        string        `env:"API_ADDR" envDefault:":8080"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"90s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`

	// Storage. DATABASE_URL wins over the state directory; "memory" keeps
	// everything in process.
	StateDir    string `env:"LEADPIPE_STATE_DIR" envDefault:"/var/lib/leadpipe"`
	DatabaseURL string `env:"DATABASE_URL"`
	SeedFile    string `env:"LEADPIPE_SEED_FILE"`

	// Per-session locking across replicas
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	// Text generation
	OpenAIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	OpenAIModel   string        `env:"OPENAI_MODEL"`
	AITimeout     time.Duration `env:"AI_TIMEOUT" envDefault:"15s"`
	AIRerank      bool          `env:"AI_RERANK" envDefault:"false"`

	// External validation
	SearchURL     string        `env:"SEARCH_API_URL"`
	SearchAPIKey  string        `env:"SEARCH_API_KEY"`
	GeocodeURL    string        `env:"GEOCODE_API_URL"`
	GeocodeAgent  string        `env:"GEOCODE_USER_AGENT" envDefault:"LeadPipe/1.0"`
	SignalTimeout time.Duration `env:"SIGNAL_TIMEOUT" envDefault:"10s"`

	// Lead alerts
	TwilioAccountSID string   `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string   `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string   `env:"TWILIO_FROM_NUMBER"`
	AlertRecipients  []string `env:"ALERT_RECIPIENTS" envSeparator:","`

	// Survey behaviour
	QuestionsPerStep int           `env:"QUESTIONS_PER_STEP" envDefault:"3"`
	StepCeiling      int           `env:"STEP_CEILING" envDefault:"10"`
	RecoveryWindow   time.Duration `env:"RECOVERY_WINDOW" envDefault:"1h"`
	SweepSchedule    string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	JobPollInterval  time.Duration `env:"JOB_POLL_INTERVAL" envDefault:"5s"`
}

// Load reads a .env file when present, then parses the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("Config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("Config.Load: loaded .env file")
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	return cfg, nil
}

// Parse builds a Config from an explicit environment, ignoring the process
// environment.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// StoreDSN returns the DSN handed to store.Open. An empty result selects the
// in-memory store.
func (c *Config) StoreDSN() string {
	switch {
	case strings.EqualFold(c.DatabaseURL, "memory"):
		return ""
	case c.DatabaseURL != "":
		return c.DatabaseURL
	case c.StateDir == "":
		return ""
	default:
		return filepath.Join(c.StateDir, DBFileName)
	}
}

// TwilioConfigured reports whether SMS alerts can be sent.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != ""
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.QuestionsPerStep < 1 {
		errs = append(errs, fmt.Errorf("QUESTIONS_PER_STEP must be at least 1, got %d", c.QuestionsPerStep))
	}
	if c.StepCeiling < 3 {
		errs = append(errs, fmt.Errorf("STEP_CEILING must be at least 3, got %d", c.StepCeiling))
	}
	if c.AITimeout <= 0 || c.SignalTimeout <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT, SIGNAL_TIMEOUT and REQUEST_TIMEOUT must be positive"))
	}
	if c.RecoveryWindow <= 0 {
		errs = append(errs, errors.New("RECOVERY_WINDOW must be positive"))
	}
	if c.JobPollInterval <= 0 {
		errs = append(errs, errors.New("JOB_POLL_INTERVAL must be positive"))
	}
	if c.SweepSchedule == "" {
		errs = append(errs, errors.New("SWEEP_SCHEDULE is required"))
	}
	if c.TwilioAccountSID != "" && !c.TwilioConfigured() {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID needs TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
	}
	if c.TwilioConfigured() && len(c.AlertRecipients) == 0 {
		errs = append(errs, errors.New("ALERT_RECIPIENTS is required when Twilio is configured"))
	}
	return errors.Join(errs...)
}
