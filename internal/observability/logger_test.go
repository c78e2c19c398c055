package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/taskflow/internal/config"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")

	log, err := NewLogger(config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	log.Info("hello")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")

	log, err := NewLogger(config.LogConfig{
		Level:   "error",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	log.Info("quiet")
	log.Error("loud")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "quiet") {
		t.Error("info message leaked past error level")
	}
	if !strings.Contains(string(data), "loud") {
		t.Error("error message missing")
	}
}

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	log, err := NewLogger(config.LogConfig{})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	log.Info("sanity")
}
