package config

import "testing"

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Driver = "kafka"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown queue driver")
	}
}

func TestValidateRejectsMissingRedisAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.Driver = "redis"
	cfg.Queue.RedisAddr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing redis addr")
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(defaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected Load to tolerate a missing file, got %v", err)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("expected default driver memory, got %s", cfg.Queue.Driver)
	}
	if cfg.Dispatcher.DefaultMaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Dispatcher.DefaultMaxAttempts)
	}
}
