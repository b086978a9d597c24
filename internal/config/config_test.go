package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("LAYOUT_DEBOUNCE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.LayoutDebounce != 750*time.Millisecond {
		t.Fatalf("expected default debounce, got %v", cfg.LayoutDebounce)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valuechain.yaml")
	contents := "addr: \":9000\"\nredisUrl: redis://cache:6379/1\nlayoutDebounce: 2s\nlayoutAutoFlush: true\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("API_ADDR", ":9100")
	t.Setenv("LAYOUT_DEBOUNCE", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected env override, got %q", cfg.Addr)
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("expected redis url from file, got %q", cfg.RedisURL)
	}
	if cfg.LayoutDebounce != 2*time.Second {
		t.Fatalf("expected debounce from file, got %v", cfg.LayoutDebounce)
	}
	if !cfg.LayoutAutoFlush {
		t.Fatal("expected autoflush from file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGetenvFallbacks(t *testing.T) {
	t.Setenv("VC_TEST_INT", "nope")
	t.Setenv("VC_TEST_BOOL", "maybe")
	t.Setenv("VC_TEST_DURATION", "soon")
	if got := getenvInt("VC_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback int, got %d", got)
	}
	if got := getenvBool("VC_TEST_BOOL", true); !got {
		t.Fatal("expected fallback bool")
	}
	if got := getenvDuration("VC_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback duration, got %v", got)
	}
}
