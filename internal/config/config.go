// Package config loads the worker and producer configuration. Both read
// environment variables through viper; the producer also reads a YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var validTranscribers = map[string]bool{
	"whisper":  true,
	"whisperx": true,
}

// Worker is the configuration of relay-worker.
type Worker struct {
	ListenAddr       string
	APIKeys          []string
	CORSOrigins      []string
	DBPath           string
	UploadsDir       string
	WorkDir          string
	QueueSize        int
	MaxUploadMB      int64
	RateLimitRPS     int
	FFmpegPath       string
	FFprobePath      string
	PythonPath       string
	ScriptsDir       string
	Transcriber      string
	WhisperModel     string
	HFToken          string
	AnthropicAPIKey  string
	SummaryModel     string
	SummaryMaxTokens int64
	TemplatesFile    string
	LogFile          string
	LogLevel         string
}

// MaxUploadBytes is the upload size limit in bytes.
func (c *Worker) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func workerDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "relay-worker.db")
	v.SetDefault("uploads_dir", "uploads")
	v.SetDefault("work_dir", "work")
	v.SetDefault("queue_size", 100)
	v.SetDefault("max_upload_mb", 2048)
	v.SetDefault("rate_limit_rps", 0)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("python_path", "python3")
	v.SetDefault("scripts_dir", "scripts")
	v.SetDefault("transcriber", "whisper")
	v.SetDefault("whisper_model", "turbo")
	v.SetDefault("summary_max_tokens", 4096)
	v.SetDefault("log_level", "info")
}

// Load reads the worker configuration from RELAY_WORKER_* variables.
func Load() (*Worker, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY_WORKER")
	v.AutomaticEnv()
	workerDefaults(v)

	cfg := &Worker{
		ListenAddr:       v.GetString("listen_addr"),
		APIKeys:          splitList(v.GetString("api_keys")),
		CORSOrigins:      splitList(v.GetString("cors_origins")),
		DBPath:           v.GetString("db_path"),
		UploadsDir:       v.GetString("uploads_dir"),
		WorkDir:          v.GetString("work_dir"),
		QueueSize:        v.GetInt("queue_size"),
		MaxUploadMB:      v.GetInt64("max_upload_mb"),
		RateLimitRPS:     v.GetInt("rate_limit_rps"),
		FFmpegPath:       v.GetString("ffmpeg_path"),
		FFprobePath:      v.GetString("ffprobe_path"),
		PythonPath:       v.GetString("python_path"),
		ScriptsDir:       v.GetString("scripts_dir"),
		Transcriber:      strings.ToLower(v.GetString("transcriber")),
		WhisperModel:     v.GetString("whisper_model"),
		HFToken:          v.GetString("hf_token"),
		AnthropicAPIKey:  v.GetString("anthropic_api_key"),
		SummaryModel:     v.GetString("summary_model"),
		SummaryMaxTokens: v.GetInt64("summary_max_tokens"),
		TemplatesFile:    v.GetString("templates_file"),
		LogFile:          v.GetString("log_file"),
		LogLevel:         v.GetString("log_level"),
	}

	if cfg.QueueSize < 1 {
		return nil, errors.New("RELAY_WORKER_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxUploadMB < 1 {
		return nil, errors.New("RELAY_WORKER_MAX_UPLOAD_MB must be > 0")
	}
	if cfg.RateLimitRPS < 0 {
		return nil, errors.New("RELAY_WORKER_RATE_LIMIT_RPS must not be negative")
	}
	if !validTranscribers[cfg.Transcriber] {
		return nil, fmt.Errorf("RELAY_WORKER_TRANSCRIBER %q must be one of: whisper, whisperx", cfg.Transcriber)
	}
	if cfg.Transcriber == "whisperx" && cfg.HFToken == "" {
		return nil, errors.New("RELAY_WORKER_HF_TOKEN is required for the whisperx transcriber")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, errors.New("RELAY_WORKER_ANTHROPIC_API_KEY must not be empty")
	}
	return cfg, nil
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
