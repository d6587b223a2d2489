package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.APIAddr != ":8080" || cfg.AITimeout != 15*time.Second || cfg.SignalTimeout != 10*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SweepSchedule != "@every 1m" || cfg.StepCeiling != 10 || cfg.QuestionsPerStep != 3 {
		t.Errorf("unexpected survey defaults: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"CORS_ALLOWED_ORIGINS": "https://a.example,https://b.example",
		"ALERT_RECIPIENTS":     "+15125550100,+15125550101",
		"AI_TIMEOUT":           "3s",
		"STEP_CEILING":         "6",
		"LOG_LEVEL":            "debug",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if len(cfg.AlertRecipients) != 2 {
		t.Errorf("AlertRecipients = %v", cfg.AlertRecipients)
	}
	if cfg.AITimeout != 3*time.Second || cfg.StepCeiling != 6 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v", cfg.Level())
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	if _, err := Parse(map[string]string{"STEP_CEILING": "ten"}); err == nil {
		t.Error("expected an error for a non-numeric ceiling")
	}
}

func TestStoreDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"database url", Config{DatabaseURL: "postgres://u@h/db", StateDir: "/data"}, "postgres://u@h/db"},
		{"memory", Config{DatabaseURL: "memory", StateDir: "/data"}, ""},
		{"state dir", Config{StateDir: "/data"}, filepath.Join("/data", DBFileName)},
		{"nothing", Config{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.StoreDSN(); got != tt.want {
				t.Errorf("StoreDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse(map[string]string{})
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.TwilioAccountSID = "AC123"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TWILIO_AUTH_TOKEN") {
		t.Errorf("partial Twilio config: %v", err)
	}

	cfg = base()
	cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom = "AC123", "secret", "+15125550199"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "ALERT_RECIPIENTS") {
		t.Errorf("Twilio without recipients: %v", err)
	}
	cfg.AlertRecipients = []string{"+15125550100"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("complete Twilio config: %v", err)
	}

	cfg = base()
	cfg.QuestionsPerStep = 0
	cfg.StepCeiling = 1
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUESTIONS_PER_STEP") || !strings.Contains(err.Error(), "STEP_CEILING") {
		t.Errorf("expected both range errors, got %v", err)
	}
}

func TestLevelFallsBackToInfo(t *testing.T) {
	if got := (&Config{LogLevel: "loud"}).Level(); got != slog.LevelInfo {
		t.Errorf("Level() = %v", got)
	}
}
