package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := Load(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("default config should load cleanly: %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, "{not json")
	if _, err := Load(path); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"debug_mode": true,
		"listeners": [{"host": "127.0.0.1", "port": 1884}],
		"auth": {"allow_anonymous": true},
		"helperbot": {"response_timeout": "5s"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DebugMode || !cfg.Auth.AllowAnonymous {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address() != "127.0.0.1:1884" {
		t.Fatalf("unexpected listeners %+v", cfg.Listeners)
	}
	if cfg.ResponseTimeout() != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.ResponseTimeout())
	}
	if len(cfg.KnownRealms) != 2 {
		t.Fatalf("default realms lost: %v", cfg.KnownRealms)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"listeners": [{"host": "127.0.0.1", "port": 1884}]}`)
	t.Setenv("ROBOVAC_AUTH_ALLOW_ANONYMOUS", "true")
	t.Setenv("ROBOVAC_PROXY_MQTT_SERVER", "mq.example.com")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Auth.AllowAnonymous {
		t.Fatal("env override for allow_anonymous not applied")
	}
	if cfg.Proxy.MQTTServer != "mq.example.com" {
		t.Fatalf("env override for mqtt_server not applied: %q", cfg.Proxy.MQTTServer)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, ErrNoUpstream) {
		t.Fatalf("expected ErrNoUpstream, got %v", err)
	}

	cfg = Default()
	cfg.TLS.CertFile = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected TLS listener without certificate to fail")
	}

	cfg = Default()
	cfg.Registry.Driver = "sqlite"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown registry driver to fail")
	}

	cfg = Default()
	cfg.Listeners = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected empty listener list to fail")
	}
}
