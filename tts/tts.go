// Package tts synthesizes reply text into WAV files.
//
// Speech engines are not reused across calls: every Synthesize opens its own
// Session and closes it before returning, whatever the outcome.
package tts

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/model"
	"github.com/mrsingh-rishi/voice-relay/registry"
)

// SpeakingRate is the fixed speaking rate in words per minute.
const SpeakingRate = 175

const (
	EngineAuto       = "auto"
	EngineEspeak     = "espeak"
	EngineSay        = "say"
	EngineOpenAI     = "openai"
	EngineElevenLabs = "elevenlabs"
)

// Synthesizer writes spoken text to outPath as a WAV file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outPath string, voice model.VoiceConfig) error
}

// Engine hands out fresh synthesis sessions.
type Engine interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Session is a single-use engine instance. It is not safe for concurrent use.
type Session interface {
	// SetVoice selects a voice. It fails if the engine does not know id.
	SetVoice(ctx context.Context, id string) error
	SetRate(wordsPerMinute int) error
	// SaveToFile renders text and blocks until outPath is fully written.
	SaveToFile(ctx context.Context, text, outPath string) error
	Close() error
}

// Speaker is the Synthesizer used by the relay.
type Speaker struct {
	engine Engine
	logger *zap.Logger
}

func NewSpeaker(engine Engine, logger *zap.Logger) (*Speaker, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Speaker{engine: engine, logger: logger.With(zap.String("tts", engine.Name()))}, nil
}

// Synthesize runs one full engine lifecycle. The voice is applied best-effort:
// an unknown voice is logged and the engine default is used instead.
func (s *Speaker) Synthesize(ctx context.Context, text, outPath string, voice model.VoiceConfig) (err error) {
	release := lockThread()
	defer release()

	session, err := s.engine.Open(ctx)
	if err != nil {
		s.logger.Error("engine init failed", zap.Error(err))
		return fmt.Errorf("%s: init engine: %w", s.engine.Name(), err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("engine teardown failed", zap.Error(cerr))
			if err == nil {
				err = fmt.Errorf("%s: close engine: %w", s.engine.Name(), cerr)
			}
		}
	}()

	if !voice.IsDefault() {
		if verr := session.SetVoice(ctx, voice.ID); verr != nil {
			s.logger.Warn("voice unavailable, using engine default",
				zap.String("voice", voice.ID), zap.Error(verr))
		}
	}

	if err := session.SetRate(SpeakingRate); err != nil {
		s.logger.Error("set rate failed", zap.Error(err))
		return fmt.Errorf("%s: set rate: %w", s.engine.Name(), err)
	}

	if err := session.SaveToFile(ctx, text, outPath); err != nil {
		s.logger.Error("synthesis failed", zap.String("path", outPath), zap.Error(err))
		return fmt.Errorf("%s: synthesize: %w", s.engine.Name(), err)
	}
	return nil
}

// lockThread pins the calling goroutine to its OS thread for the lifetime of
// a session, the equivalent of per-thread speech subsystem initialization.
func lockThread() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// Config selects and configures an Engine.
type Config struct {
	Engine string

	// espeak / say
	BinaryPath string

	// openai / elevenlabs
	BaseURL      string
	APIKey       string
	Model        string
	DefaultVoice string
	Voices       []string
}

// Engines holds the engine factories selectable through Config.Engine.
var Engines = registry.New[Config, Engine]()

func init() {
	Engines.Register(EngineEspeak, func(cfg Config) (Engine, error) {
		return NewEspeak(cfg.BinaryPath), nil
	})
	Engines.Register(EngineSay, func(cfg Config) (Engine, error) {
		return NewSay(cfg.BinaryPath), nil
	})
	Engines.Register(EngineOpenAI, func(cfg Config) (Engine, error) {
		e, err := NewOpenAISpeech(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
	Engines.Register(EngineElevenLabs, func(cfg Config) (Engine, error) {
		e, err := NewElevenLabsClient(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	})
}

// NewEngine builds the Engine named by cfg.Engine. "auto" picks the system
// speech command for the current OS.
func NewEngine(cfg Config) (Engine, error) {
	name := cfg.Engine
	if name == "" || name == EngineAuto {
		name = EngineEspeak
		if runtime.GOOS == "darwin" {
			name = EngineSay
		}
	}
	e, err := Engines.Create(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	return e, nil
}
