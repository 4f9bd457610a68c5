package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port: got %s", cfg.Server.Port)
	}
	if cfg.Executor.CloseWindowHours != 24 {
		t.Errorf("close window: got %d", cfg.Executor.CloseWindowHours)
	}
	if cfg.Risk.MaxLegs != 6 {
		t.Errorf("max legs: got %d", cfg.Risk.MaxLegs)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format: got %s", cfg.Log.Format)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := `
server:
  port: "9090"
executor:
  workers: 8
  close_window_hours: 48
risk:
  max_legs: 4
  max_stake: 500
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port: got %s", cfg.Server.Port)
	}
	if cfg.Executor.Workers != 8 {
		t.Errorf("workers: got %d", cfg.Executor.Workers)
	}
	if cfg.CloseWindow().Hours() != 48 {
		t.Errorf("close window: got %v", cfg.CloseWindow())
	}
	if cfg.Risk.MaxLegs != 4 || cfg.Risk.MaxStake != 500 {
		t.Errorf("risk: got %+v", cfg.Risk)
	}
	// Unset fields still default.
	if cfg.Venue.MaxRetries != 3 {
		t.Errorf("retries default: got %d", cfg.Venue.MaxRetries)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("VENUE_BASE_URL", "http://localhost:4000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env must win over yaml, got %s", cfg.Server.Port)
	}
	if cfg.Venue.BaseURL != "http://localhost:4000" {
		t.Errorf("venue url: got %s", cfg.Venue.BaseURL)
	}
}

func TestLoad_ExpandsEnvInYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  database_url: \"${TEST_DB_URL}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DB_URL", "postgres://localhost/engine")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DatabaseURL != "postgres://localhost/engine" {
		t.Errorf("expansion failed: got %s", cfg.Storage.DatabaseURL)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port: got %s", cfg.Server.Port)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
