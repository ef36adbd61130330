// Package config provides the configuration schema and loader for the
// Castwave transcription services.
//
// Configuration is read from an optional YAML file and then overridden by
// environment variables (see [ApplyEnv] for the recognised names). A missing
// file is not an error: every field has a workable default so the services
// can start from environment variables alone.
package config

// LogLevel controls log verbosity for the Castwave services.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ModelSize selects which Whisper model the worker pool loads.
type ModelSize string

const (
	ModelTiny   ModelSize = "tiny"
	ModelBase   ModelSize = "base"
	ModelSmall  ModelSize = "small"
	ModelMedium ModelSize = "medium"
	ModelLarge  ModelSize = "large"
	ModelTurbo  ModelSize = "turbo"
)

// IsValid reports whether m is a recognised model size.
func (m ModelSize) IsValid() bool {
	switch m {
	case ModelTiny, ModelBase, ModelSmall, ModelMedium, ModelLarge, ModelTurbo:
		return true
	}
	return false
}

// Device selects the compute device for ASR inference.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceCPU || d == DeviceCUDA
}

// Config is the root configuration structure for Castwave.
// It is typically loaded with [Load], which layers environment variables on
// top of the YAML file contents.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Whisper  WhisperConfig  `yaml:"whisper"`
	Cache    CacheConfig    `yaml:"cache"`
	Limits   LimitsConfig   `yaml:"limits"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Redis    RedisConfig    `yaml:"redis"`
}

// ServerConfig holds network, logging, and scratch-space settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TempDir is the root directory for per-request session scratch space.
	// Defaults to the OS temp directory.
	TempDir string `yaml:"temp_dir"`
}

// WhisperConfig holds ASR model and worker-pool settings.
type WhisperConfig struct {
	// Model selects the Whisper model size the pool loads at startup.
	Model ModelSize `yaml:"model"`

	// ModelPath is the path to the ggml model file. When empty it is derived
	// from Model as "models/ggml-<model>.bin".
	ModelPath string `yaml:"model_path"`

	// Device selects the inference device.
	Device Device `yaml:"device"`

	// Workers is the number of persistent pool workers. Each worker owns one
	// whisper context; concurrency is bounded by this count.
	Workers int `yaml:"workers"`

	// ChunkDurationSec is the fixed chunk length for parallel transcription.
	ChunkDurationSec int `yaml:"chunk_duration_sec"`

	// SingleCoreLimitSec is the duration threshold below which an input is
	// transcribed in a single pass instead of being chunked.
	SingleCoreLimitSec int `yaml:"single_core_limit_sec"`

	// SubmitTimeoutSec bounds how long a chunk task submission may retry
	// against a full pool before the call falls back to single-pass mode.
	SubmitTimeoutSec int `yaml:"submit_timeout_sec"`

	// ResultTimeoutSec bounds how long a collection waits for one chunk result.
	ResultTimeoutSec int `yaml:"result_timeout_sec"`
}

// CacheConfig holds transcription-cache sizing.
type CacheConfig struct {
	// MaxSize is the maximum number of cached transcripts.
	MaxSize int `yaml:"max_size"`

	// TTLHours bounds staleness of cached transcripts. The same window is
	// applied as the job-record TTL.
	TTLHours int `yaml:"ttl_hours"`
}

// LimitsConfig holds input validation ceilings.
type LimitsConfig struct {
	// MaxVideoDurationSeconds rejects inputs longer than this.
	MaxVideoDurationSeconds int `yaml:"max_video_duration_seconds"`

	// MaxVideoSizeMB rejects inputs larger than this.
	MaxVideoSizeMB int `yaml:"max_video_size_mb"`
}

// PipelineConfig holds the orchestrator's remote stage endpoints and
// poll-backoff tuning.
type PipelineConfig struct {
	// DownloadServiceURL is the base URL of the media download stage service.
	DownloadServiceURL string `yaml:"download_service_url"`

	// NormalizeServiceURL is the base URL of the audio normalize stage service.
	NormalizeServiceURL string `yaml:"normalize_service_url"`

	// TranscribeServiceURL is the base URL of the transcribe stage service.
	TranscribeServiceURL string `yaml:"transcribe_service_url"`

	// PollIntervalInitialSec is the first poll delay for a running stage.
	PollIntervalInitialSec float64 `yaml:"poll_interval_initial_sec"`

	// PollIntervalMaxSec caps the exponential poll backoff.
	PollIntervalMaxSec float64 `yaml:"poll_interval_max_sec"`

	// MaxPollAttempts bounds how many polls a stage may consume before it is
	// marked failed.
	MaxPollAttempts int `yaml:"max_poll_attempts"`

	// TranslateAPIKey enables transcript translation when non-empty.
	TranslateAPIKey string `yaml:"translate_api_key"`

	// TranslateModel is the chat model used for translation.
	TranslateModel string `yaml:"translate_model"`
}

// RedisConfig holds the job store connection.
type RedisConfig struct {
	// URL is a redis:// connection string. When empty, an in-memory job store
	// is used instead (single-process deployments and tests).
	URL string `yaml:"url"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Whisper: WhisperConfig{
			Model:              ModelBase,
			Device:             DeviceCPU,
			Workers:            4,
			ChunkDurationSec:   120,
			SingleCoreLimitSec: 300,
			SubmitTimeoutSec:   30,
			ResultTimeoutSec:   600,
		},
		Cache: CacheConfig{
			MaxSize:  100,
			TTLHours: 24,
		},
		Limits: LimitsConfig{
			MaxVideoDurationSeconds: 4 * 3600,
			MaxVideoSizeMB:          2048,
		},
		Pipeline: PipelineConfig{
			PollIntervalInitialSec: 1,
			PollIntervalMaxSec:     10,
			MaxPollAttempts:        600,
			TranslateModel:         "gpt-4o-mini",
		},
	}
}
