// Package config loads the relay's settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mrsingh-rishi/voice-relay/model"
	"github.com/mrsingh-rishi/voice-relay/stt"
	"github.com/mrsingh-rishi/voice-relay/tts"
)

type Config struct {
	Addr        string `env:"ADDR"          envDefault:"0.0.0.0:5000"`
	StaticDir   string `env:"STATIC_DIR"    envDefault:"./static"`
	TempDir     string `env:"TEMP_DIR"`
	BodyLimitMB int    `env:"BODY_LIMIT_MB" envDefault:"25"`

	// TLS is preferred so that mobile browsers allow microphone capture.
	TLSEnabled  bool   `env:"TLS_ENABLED"   envDefault:"true"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"LOG_DEV"   envDefault:"false"`

	RedactErrors bool `env:"REDACT_ERRORS" envDefault:"false"`

	STTBackend       string        `env:"STT_BACKEND"            envDefault:"whisper-server"`
	STTBaseURL       string        `env:"STT_BASE_URL"           envDefault:"http://localhost:8000/v1"`
	STTAPIKey        string        `env:"STT_API_KEY"`
	STTModel         string        `env:"STT_MODEL"              envDefault:"base"`
	STTLanguage      string        `env:"STT_LANGUAGE"`
	STTWorkers       int           `env:"STT_WORKERS"            envDefault:"1"`
	STTTimeout       time.Duration `env:"STT_TIMEOUT"            envDefault:"2m"`
	STTLoadTimeout   time.Duration `env:"STT_LOAD_TIMEOUT"       envDefault:"5m"`
	WhisperCLI       string        `env:"WHISPER_CLI"            envDefault:"whisper-cli"`
	WhisperModelPath string        `env:"WHISPER_MODEL_PATH"     envDefault:"./models/ggml-base.bin"`
	WhisperFullPrec  bool          `env:"WHISPER_FULL_PRECISION" envDefault:"true"`

	LLMBaseURL string        `env:"LLM_BASE_URL" envDefault:"http://localhost:11434/v1"`
	LLMAPIKey  string        `env:"LLM_API_KEY"`
	LLMModel   string        `env:"LLM_MODEL"    envDefault:"llama3.2:3b"`
	LLMTimeout time.Duration `env:"LLM_TIMEOUT"  envDefault:"2m"`

	TTSEngine       string        `env:"TTS_ENGINE"        envDefault:"auto"`
	TTSBinary       string        `env:"TTS_BINARY"`
	TTSBaseURL      string        `env:"TTS_BASE_URL"`
	TTSAPIKey       string        `env:"TTS_API_KEY"`
	TTSModel        string        `env:"TTS_MODEL"`
	TTSDefaultVoice string        `env:"TTS_DEFAULT_VOICE"`
	TTSVoices       []string      `env:"TTS_VOICES"        envSeparator:","`
	TTSTimeout      time.Duration `env:"TTS_TIMEOUT"       envDefault:"1m"`
	VoiceID         string        `env:"VOICE_ID"`

	AudioRetention     time.Duration `env:"AUDIO_RETENTION"      envDefault:"1h"`
	AudioSweepInterval time.Duration `env:"AUDIO_SWEEP_INTERVAL" envDefault:"5m"`
}

// Load reads an optional .env file (the first of files, or ".env") and then
// parses the environment. Variables already set win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}
	if c.StaticDir == "" {
		return fmt.Errorf("STATIC_DIR is required")
	}
	if c.BodyLimitMB <= 0 {
		return fmt.Errorf("BODY_LIMIT_MB must be positive")
	}
	if c.STTWorkers <= 0 {
		return fmt.Errorf("STT_WORKERS must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if !stt.Backends.Has(c.STTBackend) {
		return fmt.Errorf("unknown STT_BACKEND %q (have %v)", c.STTBackend, stt.Backends.List())
	}
	if c.TTSEngine != "" && c.TTSEngine != tts.EngineAuto && !tts.Engines.Has(c.TTSEngine) {
		return fmt.Errorf("unknown TTS_ENGINE %q (have %v)", c.TTSEngine, tts.Engines.List())
	}
	if c.LLMModel == "" {
		return fmt.Errorf("LLM_MODEL is required")
	}
	return nil
}

// AudioDir is where synthesized replies are written.
func (c *Config) AudioDir() string {
	return filepath.Join(c.StaticDir, "audio")
}

func (c *Config) Voice() model.VoiceConfig {
	return model.VoiceConfig{ID: c.VoiceID}
}

func (c *Config) STT() stt.Config {
	return stt.Config{
		Backend:       c.STTBackend,
		Model:         c.STTModel,
		Language:      c.STTLanguage,
		BaseURL:       c.STTBaseURL,
		APIKey:        c.STTAPIKey,
		CLIPath:       c.WhisperCLI,
		ModelPath:     c.WhisperModelPath,
		FullPrecision: c.WhisperFullPrec,
	}
}

func (c *Config) TTS() tts.Config {
	return tts.Config{
		Engine:       c.TTSEngine,
		BinaryPath:   c.TTSBinary,
		BaseURL:      c.TTSBaseURL,
		APIKey:       c.TTSAPIKey,
		Model:        c.TTSModel,
		DefaultVoice: c.TTSDefaultVoice,
		Voices:       c.TTSVoices,
	}
}
