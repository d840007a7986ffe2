// Package stt turns recorded audio files into text using a speech-recognition
// model that is loaded once at startup.
package stt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/registry"
)

const (
	BackendWhisperServer = "whisper-server"
	BackendWhisperCLI    = "whisper-cli"
)

// Recognizer is a loaded speech-recognition model.
//
// Implementations are not assumed to be safe for concurrent Transcribe calls;
// callers that share one Recognizer across requests must serialize access
// (see worker.TranscriberWorker).
type Recognizer interface {
	Name() string
	// Load prepares the model. It blocks until the model is usable.
	Load(ctx context.Context) error
	// Transcribe returns the trimmed transcript of the audio file at path.
	Transcribe(ctx context.Context, path string) (string, error)
	Close() error
}

// Config selects and configures a Recognizer backend.
type Config struct {
	Backend  string
	Model    string
	Language string

	// whisper-server
	BaseURL string
	APIKey  string

	// whisper-cli
	CLIPath       string
	ModelPath     string
	FullPrecision bool

	// Logger is set by New before the backend factory runs.
	Logger *zap.Logger
}

// Backends holds the recognizer factories selectable through Config.Backend.
var Backends = registry.New[Config, Recognizer]()

func init() {
	Backends.Register(BackendWhisperServer, func(cfg Config) (Recognizer, error) {
		r, err := NewWhisperServer(cfg, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	Backends.Register(BackendWhisperCLI, func(cfg Config) (Recognizer, error) {
		r, err := NewWhisperCLI(cfg, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}

// New builds the Recognizer named by cfg.Backend. The returned model is not
// loaded yet.
func New(cfg Config, logger *zap.Logger) (Recognizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Logger = logger
	name := cfg.Backend
	if name == "" {
		name = BackendWhisperServer
	}
	r, err := Backends.Create(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}
	return r, nil
}
