package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"

	"go2tv.app/mini-dlna/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	media := t.TempDir()
	path := writeConfig(t, "shared_paths:\n  - "+media+"\nserver:\n  friendly_name: Living Room\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.SharedPaths) != 1 || cfg.SharedPaths[0] != filepath.Clean(media) {
		t.Fatalf("unexpected shared paths: %v", cfg.SharedPaths)
	}
	if cfg.Server.Port != DefaultPort {
		t.Fatalf("expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.SSDP.GetInitialInterval().Seconds() != DefaultInitialInterval {
		t.Fatalf("unexpected initial interval: %s", cfg.SSDP.GetInitialInterval())
	}
	if cfg.SSDP.BackoffWarnRatio != DefaultBackoffWarn {
		t.Fatalf("unexpected warn ratio: %f", cfg.SSDP.BackoffWarnRatio)
	}
	if !cfg.Metadata.TagsEnabled() || !cfg.Search.IsEnabled() || !cfg.Metrics.IsEnabled() {
		t.Fatal("expected optional features to default to enabled")
	}
	if cfg.ListenAddr() != "0.0.0.0:8200" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr())
	}
}

func TestUUIDIsStableForFriendlyName(t *testing.T) {
	a := Config{Server: ServerConfig{FriendlyName: "Den"}}
	b := Config{Server: ServerConfig{FriendlyName: "Den"}}
	a.ApplyDefaults()
	b.ApplyDefaults()
	if a.Server.UUID == "" || a.Server.UUID != b.Server.UUID {
		t.Fatalf("expected stable uuid, got %q and %q", a.Server.UUID, b.Server.UUID)
	}
}

func TestDefaultFriendlyNameUsesHostname(t *testing.T) {
	orig := hostname
	t.Cleanup(func() { hostname = orig })
	hostname = func() (string, error) { return "nas", nil }

	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Server.FriendlyName != "mini-dlna: nas" {
		t.Fatalf("unexpected friendly name: %q", cfg.Server.FriendlyName)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	media := t.TempDir()
	file := filepath.Join(media, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		body     string
		errorMsg string
	}{
		{name: "no shared paths", body: "server:\n  port: 8200\n", errorMsg: "shared_paths"},
		{name: "blank shared paths", body: "shared_paths: [\"  \"]\n", errorMsg: "shared_paths"},
		{name: "missing shared path", body: "shared_paths: [" + filepath.Join(media, "nope") + "]\n", errorMsg: "nope"},
		{name: "shared path is a file", body: "shared_paths: [" + file + "]\n", errorMsg: "not a directory"},
		{name: "bad port", body: "shared_paths: [" + media + "]\nserver:\n  port: 70000\n", errorMsg: "port"},
		{name: "bad uuid", body: "shared_paths: [" + media + "]\nserver:\n  uuid: nope\n", errorMsg: "uuid"},
		{name: "bad interval order", body: "shared_paths: [" + media + "]\nssdp:\n  initial_interval: 600\n  max_interval: 60\n", errorMsg: "max_interval"},
		{name: "bad warn ratio", body: "shared_paths: [" + media + "]\nssdp:\n  backoff_warn_ratio: 1.5\n", errorMsg: "backoff_warn_ratio"},
		{name: "bad log level", body: "shared_paths: [" + media + "]\nlogging:\n  level: loud\n", errorMsg: "level"},
		{name: "bad yaml", body: "shared_paths: [", errorMsg: "parse"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !domain.IsKind(err, domain.KindConfigurationFatal) {
				t.Fatalf("expected configuration-fatal error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.errorMsg) {
				t.Fatalf("expected error containing %q, got %v", tc.errorMsg, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !domain.IsKind(err, domain.KindConfigurationFatal) {
		t.Fatalf("expected configuration-fatal error, got %v", err)
	}
}

func TestApplyDefaultsExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	cfg := Config{SharedPaths: []string{"~/Videos"}}
	cfg.ApplyDefaults()
	if cfg.SharedPaths[0] != filepath.Join(home, "Videos") {
		t.Fatalf("expected home expansion, got %q", cfg.SharedPaths[0])
	}
}
