package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a validated [Config] by layering, in order: defaults, the YAML
// file at path (skipped when path is empty or the file does not exist), a
// .env file in the working directory (if present), and process environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Environment-only configuration is fine.
		case err != nil:
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		default:
			defer f.Close()
			if err := decodeYAML(f, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment variables are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg fields from the recognised environment variables.
// Unset and empty variables leave the existing value untouched; malformed
// numeric values are ignored rather than fatal so a stray variable cannot
// take a service down.
func ApplyEnv(cfg *Config) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	if v := os.Getenv("WHISPER_MODEL"); v != "" {
		cfg.Whisper.Model = ModelSize(v)
	}
	if v := os.Getenv("WHISPER_DEVICE"); v != "" {
		cfg.Whisper.Device = Device(v)
	}
	setString("WHISPER_MODEL_PATH", &cfg.Whisper.ModelPath)
	setInt("PARALLEL_WORKERS", &cfg.Whisper.Workers)
	setInt("PARALLEL_CHUNK_DURATION_SEC", &cfg.Whisper.ChunkDurationSec)
	setInt("AUDIO_LIMIT_SINGLE_CORE", &cfg.Whisper.SingleCoreLimitSec)

	setInt("CACHE_MAX_SIZE", &cfg.Cache.MaxSize)
	setInt("CACHE_TTL_HOURS", &cfg.Cache.TTLHours)

	setInt("MAX_VIDEO_DURATION_SECONDS", &cfg.Limits.MaxVideoDurationSeconds)
	setInt("MAX_VIDEO_SIZE_MB", &cfg.Limits.MaxVideoSizeMB)

	setString("TEMP_DIR", &cfg.Server.TempDir)
	setString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString("REDIS_URL", &cfg.Redis.URL)

	setString("DOWNLOAD_SERVICE_URL", &cfg.Pipeline.DownloadServiceURL)
	setString("NORMALIZE_SERVICE_URL", &cfg.Pipeline.NormalizeServiceURL)
	setString("TRANSCRIBE_SERVICE_URL", &cfg.Pipeline.TranscribeServiceURL)
	setFloat("POLL_INTERVAL_INITIAL", &cfg.Pipeline.PollIntervalInitialSec)
	setFloat("POLL_INTERVAL_MAX", &cfg.Pipeline.PollIntervalMaxSec)
	setInt("MAX_POLL_ATTEMPTS", &cfg.Pipeline.MaxPollAttempts)
	setString("TRANSLATE_API_KEY", &cfg.Pipeline.TranslateAPIKey)
	setString("TRANSLATE_MODEL", &cfg.Pipeline.TranslateModel)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Whisper.Model.IsValid() {
		errs = append(errs, fmt.Errorf("whisper.model %q is invalid; valid values: tiny, base, small, medium, large, turbo", cfg.Whisper.Model))
	}
	if !cfg.Whisper.Device.IsValid() {
		errs = append(errs, fmt.Errorf("whisper.device %q is invalid; valid values: cpu, cuda", cfg.Whisper.Device))
	}
	if cfg.Whisper.Workers <= 0 {
		errs = append(errs, fmt.Errorf("whisper.workers must be positive, got %d", cfg.Whisper.Workers))
	}
	if cfg.Whisper.ChunkDurationSec <= 0 {
		errs = append(errs, fmt.Errorf("whisper.chunk_duration_sec must be positive, got %d", cfg.Whisper.ChunkDurationSec))
	}
	if cfg.Whisper.SingleCoreLimitSec < 0 {
		errs = append(errs, fmt.Errorf("whisper.single_core_limit_sec must not be negative, got %d", cfg.Whisper.SingleCoreLimitSec))
	}
	if cfg.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", cfg.Cache.MaxSize))
	}
	if cfg.Cache.TTLHours <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_hours must be positive, got %d", cfg.Cache.TTLHours))
	}
	if cfg.Limits.MaxVideoDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_video_duration_seconds must be positive, got %d", cfg.Limits.MaxVideoDurationSeconds))
	}
	if cfg.Limits.MaxVideoSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("limits.max_video_size_mb must be positive, got %d", cfg.Limits.MaxVideoSizeMB))
	}
	if cfg.Pipeline.PollIntervalInitialSec <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval_initial_sec must be positive, got %v", cfg.Pipeline.PollIntervalInitialSec))
	}
	if cfg.Pipeline.PollIntervalMaxSec < cfg.Pipeline.PollIntervalInitialSec {
		errs = append(errs, fmt.Errorf("pipeline.poll_interval_max_sec %v must be >= poll_interval_initial_sec %v",
			cfg.Pipeline.PollIntervalMaxSec, cfg.Pipeline.PollIntervalInitialSec))
	}
	if cfg.Pipeline.MaxPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_poll_attempts must be positive, got %d", cfg.Pipeline.MaxPollAttempts))
	}

	return errors.Join(errs...)
}

// ModelFilePath returns the explicit model path when configured, or the
// conventional ggml file name derived from the model size.
func (w WhisperConfig) ModelFilePath() string {
	if w.ModelPath != "" {
		return w.ModelPath
	}
	return fmt.Sprintf("models/ggml-%s.bin", w.Model)
}
