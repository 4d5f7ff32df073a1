package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ".querysmith")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitializeWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	// No config means production mode: logging disabled, no logs dir created.
	if IsDebugMode() {
		t.Error("debug mode should be off without a config file")
	}
	if _, err := os.Stat(filepath.Join(dir, ".querysmith", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not be created in production mode")
	}
}

func TestInitializeDebugMode(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"debug"}}`)

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if !IsDebugMode() {
		t.Fatal("debug mode should be on")
	}

	Store("store message %d", 1)
	EngineDebug("engine debug")

	entries, err := os.ReadDir(filepath.Join(dir, ".querysmith", "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected log files to be written in debug mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"info","categories":{"store":false}}}`)

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryStore) {
		t.Error("store category should be disabled")
	}
	if !IsCategoryEnabled(CategoryEngine) {
		t.Error("engine category should default to enabled")
	}
}

func TestTimerStop(t *testing.T) {
	timer := StartTimer(CategoryEngine, "op")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration: %v", d)
	}
}
