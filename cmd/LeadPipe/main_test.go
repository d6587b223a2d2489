package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/lock"
	"github.com/BTreeMap/LeadPipe/internal/notify"
)

func testConfig(t *testing.T, environ map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(environ)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func TestParseCommandLineFlagsOverrideEnvironment(t *testing.T) {
	cfg := testConfig(t, map[string]string{"API_ADDR": ":9000", "LEADPIPE_STATE_DIR": "/env"})
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	if err := parseCommandLineFlags(fs, []string{"-state-dir", "/flag", "-db-dsn", "memory"}, cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StateDir != "/flag" {
		t.Errorf("StateDir = %q, want flag value", cfg.StateDir)
	}
	if cfg.APIAddr != ":9000" {
		t.Errorf("APIAddr = %q, want environment value", cfg.APIAddr)
	}
	if cfg.StoreDSN() != "" {
		t.Errorf("-db-dsn memory should select the in-memory store, got %q", cfg.StoreDSN())
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := parseCommandLineFlags(fs, []string{"-no-such-flag"}, cfg); err == nil {
		t.Error("unknown flag should fail")
	}
}

func TestEnsureStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	if err := ensureStateDir(filepath.Join(dir, config.DBFileName)); err != nil {
		t.Fatalf("ensureStateDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("state directory not created: %v", err)
	}
	if err := ensureStateDir("postgres://user@localhost/leadpipe"); err != nil {
		t.Errorf("postgres DSN should be skipped: %v", err)
	}
}

func TestBuildLocker_SQLiteTakesInstanceLock(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, nil)
	dsn := filepath.Join(dir, config.DBFileName)

	locker, release, err := buildLocker(context.Background(), cfg, dsn)
	if err != nil {
		t.Fatalf("buildLocker: %v", err)
	}
	if _, ok := locker.(*lock.LocalLocker); !ok {
		t.Errorf("expected a local locker, got %T", locker)
	}
	if _, _, err := buildLocker(context.Background(), cfg, dsn); err == nil {
		t.Error("second instance on the same state directory should be refused")
	}
	release()
	_, release2, err := buildLocker(context.Background(), cfg, dsn)
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	release2()
}

func TestBuildProviders(t *testing.T) {
	if got := buildProviders(testConfig(t, nil)); len(got) != 0 {
		t.Errorf("expected no providers by default, got %d", len(got))
	}
	cfg := testConfig(t, map[string]string{"SEARCH_API_URL": "https://search.example/api", "GEOCODE_API_URL": "https://geo.example/search"})
	got := buildProviders(cfg)
	if len(got) != 2 || got[0].Name() != "web_search" || got[1].Name() != "geo" {
		t.Errorf("unexpected providers %v", got)
	}
}

func TestBuildSenderAndGenerator(t *testing.T) {
	cfg := testConfig(t, nil)
	sender, err := buildSender(cfg)
	if err != nil {
		t.Fatalf("buildSender: %v", err)
	}
	if _, ok := sender.(notify.LogSender); !ok {
		t.Errorf("expected LogSender without Twilio credentials, got %T", sender)
	}

	cfg = testConfig(t, map[string]string{"TWILIO_ACCOUNT_SID": "AC123", "TWILIO_AUTH_TOKEN": "secret", "TWILIO_FROM_NUMBER": "+15125550199"})
	sender, err = buildSender(cfg)
	if err != nil {
		t.Fatalf("buildSender: %v", err)
	}
	if _, ok := sender.(*notify.TwilioSender); !ok {
		t.Errorf("expected TwilioSender, got %T", sender)
	}

	gen, err := buildGenerator(testConfig(t, nil))
	if err != nil || gen != nil {
		t.Errorf("no API key should disable generation, got %v %v", gen, err)
	}
}
