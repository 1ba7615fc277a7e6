package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultTargetPort != 443 {
		t.Fatalf("unexpected default target port: %d", cfg.DefaultTargetPort)
	}
	if cfg.PortRange.Start != 8443 || cfg.PortRange.End != 8543 {
		t.Fatalf("unexpected default port range: %s", cfg.PortRange)
	}
	if cfg.ConnectTimeoutSec != 10 {
		t.Fatalf("unexpected default connect timeout: %d", cfg.ConnectTimeoutSec)
	}

	// First load wrote the file.
	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := Default()
	cfg.JumpHost = "jump.example.com"
	cfg.User = "admin"
	cfg.DefaultTargetPort = 8443
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.JumpHost != "jump.example.com" || got.User != "admin" || got.DefaultTargetPort != 8443 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestJumpHostSpec(t *testing.T) {
	cfg := Config{JumpHost: "jump.example.com"}
	if got := cfg.JumpHostSpec(); got != "jump.example.com" {
		t.Fatalf("unexpected spec without user: %q", got)
	}
	cfg.User = "admin"
	if got := cfg.JumpHostSpec(); got != "admin@jump.example.com" {
		t.Fatalf("unexpected spec with user: %q", got)
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cfg := Default()
	cfg.PortRange.End = cfg.PortRange.Start - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted range")
	}

	cfg = Default()
	cfg.PortRange.Start = 80
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for privileged range start")
	}

	cfg = Default()
	cfg.DefaultTargetPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero target port")
	}
}
