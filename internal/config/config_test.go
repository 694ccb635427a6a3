package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %s", cfg.HTTPAddress)
	}
	if cfg.ReconcileInterval != 5*time.Second || cfg.RoomIdleTTL != 0 {
		t.Fatalf("unexpected reconcile settings %v / %v", cfg.ReconcileInterval, cfg.RoomIdleTTL)
	}
	if !cfg.ActivityEnabled || cfg.MDNSEnabled {
		t.Fatalf("unexpected feature toggles %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestPortEnvironmentOverridesAddress(t *testing.T) {
	t.Setenv("PORT", "4100")
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:4100" {
		t.Fatalf("expected PORT to override the port, got %s", cfg.HTTPAddress)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := map[string]any{
		"http.port":          "not-a-port",
		"reconcile.interval": "0s",
		"cursor.burst":       0,
		"ticket.ttl":         "-1m",
	}
	for key, value := range testCases {
		configViper := NewViper()
		configViper.Set(key, value)
		if _, err := Load(configViper); err == nil {
			t.Fatalf("expected %s=%v to be rejected", key, value)
		}
	}
}

func TestAllowedOriginsAcceptCommaSeparatedList(t *testing.T) {
	configViper := NewViper()
	configViper.Set("cors.allowed_origins", "https://a.example.com, https://b.example.com")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}
