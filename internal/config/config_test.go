package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"rally/internal/config"
	"rally/internal/permission"
)

func TestLoad_DefaultsWhenPathEmpty(t *testing.T) {
	config.Reset()
	defer config.Reset()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AdvisorBaseURL != config.DefaultAdvisorBaseURL {
		t.Fatalf("expected default advisor base url, got %q", cfg.AdvisorBaseURL)
	}
	if cfg.MaxInstancesDefault != config.DefaultMaxInstances {
		t.Fatalf("expected default max instances %d, got %d", config.DefaultMaxInstances, cfg.MaxInstancesDefault)
	}
	if len(cfg.SafeToolsWhitelist) != len(permission.SafeTools) {
		t.Fatalf("expected whitelist to match permission.SafeTools, got %v", cfg.SafeToolsWhitelist)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	config.Reset()
	defer config.Reset()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "max_instances_default: 3\nadvisor_model: \"custom-model\"\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MaxInstancesDefault != 3 {
		t.Fatalf("expected override to 3, got %d", cfg.MaxInstancesDefault)
	}
	if cfg.AdvisorModel != "custom-model" {
		t.Fatalf("expected overridden advisor model, got %q", cfg.AdvisorModel)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	config.Reset()
	defer config.Reset()

	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected missing config file to be tolerated, got %v", err)
	}
}

func TestWatchSafeToolsWhitelist_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.yaml")
	if err := os.WriteFile(path, []byte("[Read, Write]\n"), 0600); err != nil {
		t.Fatalf("write whitelist: %v", err)
	}

	wl := permission.NewWhitelist()
	watcher, err := config.WatchSafeToolsWhitelist(path, wl)
	if err != nil {
		t.Fatalf("WatchSafeToolsWhitelist failed: %v", err)
	}
	defer watcher.Close()

	if err := os.WriteFile(path, []byte("[Bash]\n"), 0600); err != nil {
		t.Fatalf("rewrite whitelist: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		names := wl.Names()
		if len(names) == 1 && names[0] == "Bash" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected whitelist reload to pick up [Bash], got %v", wl.Names())
}

func TestWriteDefaultTemplate_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := config.WriteDefaultTemplate(path); err != nil {
		t.Fatalf("WriteDefaultTemplate failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected template file to exist: %v", err)
	}
}
