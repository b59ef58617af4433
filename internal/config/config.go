// Package config handles process configuration and the persisted session settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/GriffinCanCode/deltashot/internal/resilience"
)

// Validation errors.
var (
	ErrInvalidInterval  = errors.New("invalid capture interval: must be > 0")
	ErrInvalidThreshold = errors.New("invalid similarity threshold: must be in (0, 1]")
	ErrInvalidBackend   = errors.New("invalid capture backend: must be native or command")
	ErrInvalidRetries   = errors.New("invalid persist retries: must be >= 0")
	ErrInvalidBreaker   = errors.New("invalid capture breaker settings: threshold and reset must be > 0")
	ErrNoSettingsPath   = errors.New("settings path is empty")
)

type Config struct {
	HTTPAddr            string
	GRPCAddr            string
	CaptureInterval     time.Duration
	SimilarityThreshold float64
	CaptureBackend      string
	SettingsPath        string
	IndexPath           string // empty disables the archive index
	WatchSettings       bool
	BreakerThreshold    int
	BreakerReset        time.Duration
	PersistRetries      int
	Fingerprint         bool
	LogLevel            string
	LogFormat           string
	LogOutput           string
}

// LoadEnvFile loads variables from a .env file without overriding the environment.
// A missing default file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func Load() *Config {
	dir := defaultDir()
	return &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8000"),
		GRPCAddr:            getEnv("GRPC_ADDR", ":50052"),
		CaptureInterval:     getEnvDuration("CAPTURE_INTERVAL", time.Second),
		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.95),
		CaptureBackend:      getEnv("CAPTURE_BACKEND", "native"),
		SettingsPath:        expandHome(getEnv("SETTINGS_PATH", filepath.Join(dir, "settings.yaml"))),
		IndexPath:           expandHome(getEnvAllowEmpty("INDEX_PATH", filepath.Join(dir, "index.db"))),
		WatchSettings:       getEnvBool("WATCH_SETTINGS", true),
		BreakerThreshold:    getEnvInt("CAPTURE_BREAKER_THRESHOLD", 5),
		BreakerReset:        getEnvDuration("CAPTURE_BREAKER_RESET", resilience.DefaultResetTimeout),
		PersistRetries:      getEnvInt("PERSIST_RETRIES", 2),
		Fingerprint:         getEnvBool("FINGERPRINT", true),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		LogOutput:           getEnv("LOG_OUTPUT", "stderr"),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.CaptureInterval <= 0:
		return ErrInvalidInterval
	case c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1:
		return ErrInvalidThreshold
	case c.CaptureBackend != "native" && c.CaptureBackend != "command":
		return ErrInvalidBackend
	case c.PersistRetries < 0:
		return ErrInvalidRetries
	case c.BreakerThreshold <= 0 || c.BreakerReset <= 0:
		return ErrInvalidBreaker
	case c.SettingsPath == "":
		return ErrNoSettingsPath
	}
	return nil
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "deltashot")
	}
	return filepath.Join("~", ".config", "deltashot")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvAllowEmpty distinguishes an unset variable from one set to "".
func getEnvAllowEmpty(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go durations ("1s", "250ms") or plain seconds ("1.5").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
