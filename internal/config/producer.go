package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultExtensions are the recording file types picked up by ingestion.
var DefaultExtensions = []string{".mp4", ".mkv", ".mov", ".webm", ".m4a", ".mp3", ".wav"}

// Producer is the configuration of the relay CLI.
type Producer struct {
	ServerURL     string
	APIKey        string
	RecordingsDir string
	StorePath     string
	OutputDir     string
	Extensions    []string
	StatusTimeout time.Duration
	HealthTimeout time.Duration
	WatchDebounce time.Duration
	WatchInterval time.Duration
	StableWait    time.Duration
	LogFile       string
	LogLevel      string

	// File is the config file that was read, empty when none was found.
	File string
}

func producerDefaults(v *viper.Viper) {
	v.SetDefault("store_path", filepath.Join(dataDir(), "jobs.json"))
	v.SetDefault("output_dir", "notes")
	v.SetDefault("extensions", DefaultExtensions)
	v.SetDefault("status_timeout", 10*time.Second)
	v.SetDefault("health_timeout", 5*time.Second)
	v.SetDefault("watch_debounce", 2*time.Second)
	v.SetDefault("watch_interval", time.Minute)
	v.SetDefault("stable_wait", time.Second)
	v.SetDefault("log_level", "warn")
}

// LoadProducer reads relay.yaml and RELAY_* variables. An explicit path must
// exist; otherwise the file is looked up in the user config directory, then
// in the working directory, and may be absent.
func LoadProducer(path string) (*Producer, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	producerDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "relay"))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Producer{
		ServerURL:     strings.TrimRight(v.GetString("server_url"), "/"),
		APIKey:        v.GetString("api_key"),
		RecordingsDir: v.GetString("recordings_dir"),
		StorePath:     v.GetString("store_path"),
		OutputDir:     v.GetString("output_dir"),
		Extensions:    normalizeExtensions(v.GetStringSlice("extensions")),
		StatusTimeout: v.GetDuration("status_timeout"),
		HealthTimeout: v.GetDuration("health_timeout"),
		WatchDebounce: v.GetDuration("watch_debounce"),
		WatchInterval: v.GetDuration("watch_interval"),
		StableWait:    v.GetDuration("stable_wait"),
		LogFile:       v.GetString("log_file"),
		LogLevel:      v.GetString("log_level"),
		File:          v.ConfigFileUsed(),
	}

	if cfg.ServerURL == "" {
		return nil, errors.New("server_url must not be empty (RELAY_SERVER_URL)")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("server_url %q must start with http:// or https://", cfg.ServerURL)
	}
	if cfg.RecordingsDir == "" {
		return nil, errors.New("recordings_dir must not be empty (RELAY_RECORDINGS_DIR)")
	}
	if len(cfg.Extensions) == 0 {
		return nil, errors.New("extensions must not be empty")
	}
	if cfg.StatusTimeout <= 0 || cfg.HealthTimeout <= 0 {
		return nil, errors.New("status_timeout and health_timeout must be > 0")
	}
	if cfg.WatchInterval <= 0 {
		return nil, errors.New("watch_interval must be > 0")
	}
	return cfg, nil
}

func normalizeExtensions(exts []string) []string {
	var out []string
	for _, e := range exts {
		for _, part := range strings.Split(e, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if !strings.HasPrefix(part, ".") {
				part = "." + part
			}
			out = append(out, part)
		}
	}
	return out
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "relay")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "relay")
	}
	return "."
}
