package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.HeartBeat = Duration{10 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.HeartBeat.Duration != 10*time.Second {
		t.Errorf("HeartBeat = %v, want 10s", loaded.HeartBeat)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadKeepsDefaultsForUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "base_url = \"https://chat.example.com\"\n\n[reconnect]\nmax_retries = 2\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseURL != "https://chat.example.com" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Reconnect.MaxRetries != 2 || cfg.Reconnect.Initial.Duration != time.Second {
		t.Errorf("Reconnect = %+v, want 2 retries from 1s", cfg.Reconnect)
	}
	if cfg.PollInterval.Duration != 8*time.Second {
		t.Errorf("PollInterval = %v, want 8s", cfg.PollInterval)
	}
}

func TestResolveAppliesEnvironment(t *testing.T) {
	t.Setenv("CHATLINK_WEBSOCKET_URL", "wss://chat.example.com/ws")
	t.Setenv("CHATLINK_HEARTBEAT", "2s")
	t.Setenv("CHATLINK_RECONNECT_MAX_RETRIES", "7")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.WebSocketURL != "wss://chat.example.com/ws" {
		t.Errorf("WebSocketURL = %q", cfg.WebSocketURL)
	}
	if cfg.HeartBeat.Duration != 2*time.Second {
		t.Errorf("HeartBeat = %v, want 2s", cfg.HeartBeat)
	}
	if p := cfg.Policy(); p.MaxRetries != 7 || p.Multiplier != 2 {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestResolveRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "CHATLINK_POLL_INTERVAL", "soon"},
		{"http websocket", "CHATLINK_WEBSOCKET_URL", "http://chat.example.com/ws"},
		{"relative base", "CHATLINK_BASE_URL", "/api"},
		{"shrinking backoff", "CHATLINK_RECONNECT_MULTIPLIER", "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Resolve(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
				t.Errorf("Resolve() with %s=%q expected error", tt.key, tt.val)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
