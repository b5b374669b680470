package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" {
		t.Fatalf("unexpected server defaults %+v", cfg)
	}
	if cfg.Recording.Countdown != 10*time.Second {
		t.Fatalf("countdown %v", cfg.Recording.Countdown)
	}
	if cfg.Session.MaxParticipants != 4 || cfg.Session.CookieName != "usid" {
		t.Fatalf("unexpected session defaults %+v", cfg.Session)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.PresignTTL != time.Hour {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := []byte(`
mode: debug
port: 9090
session:
  max_participants: 6
recording:
  countdown: 3s
signal:
  pong_wait: 0s
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JAMSYNC_STORAGE_BUCKET", "from-env")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "debug" || cfg.Port != 9090 {
		t.Fatalf("server section not applied: %+v", cfg)
	}
	if cfg.Session.MaxParticipants != 6 || cfg.Recording.Countdown != 3*time.Second {
		t.Fatalf("nested overrides not applied: %+v %+v", cfg.Session, cfg.Recording)
	}
	if cfg.Signal.PongWait != 0 {
		t.Fatalf("pong_wait should be disabled, got %v", cfg.Signal.PongWait)
	}
	if cfg.Storage.Bucket != "from-env" {
		t.Fatalf("env override ignored, bucket %q", cfg.Storage.Bucket)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Backend = "floppy"
	cfg.Session.MaxParticipants = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
