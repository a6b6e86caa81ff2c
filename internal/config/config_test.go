package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var keys = []string{
	"EVDETECT_API_URL", "EVDETECT_TOKEN", "EVDETECT_TIMEOUT", "EVDETECT_STREAM_PERIOD",
	"EVDETECT_CAMERA_SIZE", "EVDETECT_CONFIDENCE", "EVDETECT_ALERT", "EVDETECT_JOURNAL",
	"EVDETECT_PREVIEW_ADDR", "EVDETECT_TELEGRAM_TOKEN", "EVDETECT_TELEGRAM_CHAT_ID", "EVDETECT_TELEGRAM_COOLDOWN",
}

// clearEnv unsets every key for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(missingEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://localhost:5000" {
		t.Errorf("unexpected api url %q", cfg.APIURL)
	}
	if cfg.Timeout != 15*time.Second || cfg.StreamPeriod != 3*time.Second {
		t.Errorf("unexpected durations %s %s", cfg.Timeout, cfg.StreamPeriod)
	}
	if cfg.CameraWidth != 640 || cfg.CameraHeight != 480 {
		t.Errorf("unexpected camera size %dx%d", cfg.CameraWidth, cfg.CameraHeight)
	}
	if cfg.PreviewAddr != "" || cfg.TelegramToken != "" || cfg.TelegramCooldown != 30*time.Second {
		t.Errorf("optional integrations should be off by default: %+v", cfg)
	}

	s := cfg.Settings()
	if s.ConfidenceThreshold != 70 || s.AlertSound || !s.NoiseReduction || !s.TrackVehicles || !s.ShowBoundingBoxes {
		t.Errorf("unexpected default settings %+v", s)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVDETECT_API_URL", "https://detector.example.com/")
	t.Setenv("EVDETECT_TIMEOUT", "20")
	t.Setenv("EVDETECT_STREAM_PERIOD", "500ms")
	t.Setenv("EVDETECT_CAMERA_SIZE", "1280X720")
	t.Setenv("EVDETECT_CONFIDENCE", "99")
	t.Setenv("EVDETECT_ALERT", "true")

	cfg, err := Load(missingEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "https://detector.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.APIURL)
	}
	if cfg.Timeout != 20*time.Second || cfg.StreamPeriod != 500*time.Millisecond {
		t.Errorf("unexpected durations %s %s", cfg.Timeout, cfg.StreamPeriod)
	}
	if cfg.CameraWidth != 1280 || cfg.CameraHeight != 720 {
		t.Errorf("unexpected camera size %dx%d", cfg.CameraWidth, cfg.CameraHeight)
	}
	if cfg.Confidence != 95 {
		t.Errorf("expected threshold clamped to 95, got %d", cfg.Confidence)
	}
	if !cfg.Settings().AlertSound {
		t.Error("expected alert sound on")
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	content := "EVDETECT_API_URL=http://gpu-box:5000\nEVDETECT_JOURNAL=/tmp/evdetect.db\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// Set in the environment: must win over the file
	t.Setenv("EVDETECT_JOURNAL", "/var/lib/evdetect.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIURL != "http://gpu-box:5000" {
		t.Errorf("expected value from env file, got %q", cfg.APIURL)
	}
	if cfg.JournalPath != "/var/lib/evdetect.db" {
		t.Errorf("expected environment to win, got %q", cfg.JournalPath)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"EVDETECT_CAMERA_SIZE", "wide"},
		{"EVDETECT_CAMERA_SIZE", "0x480"},
		{"EVDETECT_TIMEOUT", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(missingEnvFile(t)); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
