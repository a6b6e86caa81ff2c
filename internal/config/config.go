// Package config reads client settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"evdetect/internal/settings"
)

type Config struct {
	APIURL           string
	Token            string
	TokenFile        string
	Timeout          time.Duration
	StreamPeriod     time.Duration
	CameraDevice     string
	CameraWidth      int
	CameraHeight     int
	AlertCommand     string
	AlertSound       string
	RealtimeURL      string // empty disables the real-time channel
	InferenceGRPC    string // empty disables the health probe
	JournalPath      string // empty disables the local journal
	MetricsAddr      string // empty disables /metrics
	PreviewAddr      string // empty disables the MJPEG preview
	TelegramToken    string // empty disables Telegram notifications
	TelegramChatID   string
	TelegramCooldown time.Duration
	LogLevel         string
	Confidence       int
	AlertEnabled     bool
	EnhanceContrast  bool
}

// Load reads the environment after applying envFiles (default ".env").
// Missing env files are ignored; variables already set win over the file
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	width, height, err := parseSize(getEnv("EVDETECT_CAMERA_SIZE", "640x480"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIURL:           strings.TrimRight(getEnv("EVDETECT_API_URL", "http://localhost:5000"), "/"),
		Token:            os.Getenv("EVDETECT_TOKEN"),
		TokenFile:        getEnv("EVDETECT_TOKEN_FILE", ""),
		Timeout:          getEnvAsDuration("EVDETECT_TIMEOUT", 15*time.Second),
		StreamPeriod:     getEnvAsDuration("EVDETECT_STREAM_PERIOD", 3*time.Second),
		CameraDevice:     getEnv("EVDETECT_CAMERA_DEVICE", "/dev/video0"),
		CameraWidth:      width,
		CameraHeight:     height,
		AlertCommand:     getEnv("EVDETECT_ALERT_COMMAND", "paplay"),
		AlertSound:       getEnv("EVDETECT_ALERT_SOUND", "sounds/emergency-alert.mp3"),
		RealtimeURL:      getEnv("EVDETECT_REALTIME_URL", ""),
		InferenceGRPC:    getEnv("EVDETECT_INFERENCE_GRPC", ""),
		JournalPath:      getEnv("EVDETECT_JOURNAL", ""),
		MetricsAddr:      getEnv("EVDETECT_METRICS_ADDR", ""),
		PreviewAddr:      getEnv("EVDETECT_PREVIEW_ADDR", ""),
		TelegramToken:    os.Getenv("EVDETECT_TELEGRAM_TOKEN"),
		TelegramChatID:   os.Getenv("EVDETECT_TELEGRAM_CHAT_ID"),
		TelegramCooldown: getEnvAsDuration("EVDETECT_TELEGRAM_COOLDOWN", 30*time.Second),
		LogLevel:         getEnv("EVDETECT_LOG_LEVEL", "info"),
		Confidence:       settings.ClampThreshold(getEnvAsInt("EVDETECT_CONFIDENCE", settings.DefaultConfidenceThreshold)),
		AlertEnabled:     getEnvAsBool("EVDETECT_ALERT", false),
		EnhanceContrast:  getEnvAsBool("EVDETECT_ENHANCE_CONTRAST", false),
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("EVDETECT_TIMEOUT must be positive, got %s", cfg.Timeout)
	}
	if cfg.StreamPeriod <= 0 {
		return nil, fmt.Errorf("EVDETECT_STREAM_PERIOD must be positive, got %s", cfg.StreamPeriod)
	}
	return cfg, nil
}

// Settings returns the initial session settings implied by the configuration
func (c *Config) Settings() settings.Settings {
	s := settings.Defaults()
	s.ConfidenceThreshold = c.Confidence
	s.AlertSound = c.AlertEnabled
	s.EnhanceContrast = c.EnhanceContrast
	return s.Normalized()
}

func parseSize(v string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(v), "x")
	if !ok {
		return 0, 0, fmt.Errorf("EVDETECT_CAMERA_SIZE must look like 640x480, got %q", v)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid camera width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid camera height %q", h)
	}
	return width, height, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("15s") or plain seconds ("15")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
