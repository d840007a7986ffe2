// Package service sequences the speech, chat and synthesis adapters into the
// two relay operations: transcribe an upload, and answer a chat turn with
// text plus audio.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/llm"
	"github.com/mrsingh-rishi/voice-relay/model"
)

// ErrEmptyText rejects a chat turn without text.
var ErrEmptyText = errors.New("no text provided")

// Stage names a step of the relay pipeline.
type Stage string

const (
	StageUpload     Stage = "upload"
	StageTranscribe Stage = "transcribe"
	StageChat       Stage = "chat"
	StageSynthesize Stage = "synthesize"
)

// StageError records which pipeline step failed. Its message is the
// underlying error's message.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "" if err carries none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

type ChatClient interface {
	GetReply(ctx context.Context, userText string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, outPath string, voice model.VoiceConfig) error
}

type AudioDir interface {
	NewFilename() string
	Path(name string) string
	URL(name string) string
}

// Observer receives the duration and outcome of every adapter call.
type Observer interface {
	ObserveStage(stage string, elapsed time.Duration, err error)
}

type Options struct {
	// TempDir holds uploads while they are transcribed; "" means os.TempDir().
	TempDir    string
	Voice      model.VoiceConfig
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration
	Observer   Observer
}

// Relay is safe for concurrent use; it keeps no per-request state.
type Relay struct {
	transcriber Transcriber
	chat        ChatClient
	synthesizer Synthesizer
	audio       AudioDir
	opts        Options
	logger      *zap.Logger
}

func NewRelay(transcriber Transcriber, chat ChatClient, synthesizer Synthesizer, audio AudioDir, opts Options, logger *zap.Logger) (*Relay, error) {
	if transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}
	if chat == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if audio == nil {
		return nil, fmt.Errorf("audio directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		transcriber: transcriber,
		chat:        chat,
		synthesizer: synthesizer,
		audio:       audio,
		opts:        opts,
		logger:      logger,
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *Relay) observe(stage Stage, start time.Time, err error) {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveStage(string(stage), time.Since(start), err)
	}
}

// Transcribe stores upload in a temporary .wav file, runs speech recognition
// on it and returns the trimmed transcript. The temporary file is removed
// before Transcribe returns, on every path.
func (r *Relay) Transcribe(ctx context.Context, upload io.Reader) (string, error) {
	tmp, err := os.CreateTemp(r.opts.TempDir, "upload-*.wav")
	if err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("create temp file: %w", err)}
	}
	path := tmp.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("temp upload not removed", zap.String("path", path), zap.Error(err))
		}
	}()

	if _, err := io.Copy(tmp, upload); err != nil {
		tmp.Close()
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("save upload: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return "", &StageError{Stage: StageUpload, Err: fmt.Errorf("save upload: %w", err)}
	}

	sttCtx, cancel := withTimeout(ctx, r.opts.STTTimeout)
	defer cancel()

	start := time.Now()
	text, err := r.transcriber.Transcribe(sttCtx, path)
	r.observe(StageTranscribe, start, err)
	if err != nil {
		r.logger.Error("transcription failed", zap.Error(err))
		return "", &StageError{Stage: StageTranscribe, Err: err}
	}
	return strings.TrimSpace(text), nil
}

// Chat answers one stateless turn. Either both the reply and its audio URL
// are returned, or only an error.
func (r *Relay) Chat(ctx context.Context, text string) (model.ChatResult, error) {
	if strings.TrimSpace(text) == "" {
		return model.ChatResult{}, ErrEmptyText
	}

	llmCtx, cancelLLM := withTimeout(ctx, r.opts.LLMTimeout)
	start := time.Now()
	reply, err := r.chat.GetReply(llmCtx, text)
	cancelLLM()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = llm.ErrEmptyReply
	}
	r.observe(StageChat, start, err)
	if err != nil {
		r.logger.Error("chat failed", zap.Error(err))
		return model.ChatResult{}, &StageError{Stage: StageChat, Err: err}
	}

	name := r.audio.NewFilename()
	outPath := r.audio.Path(name)

	ttsCtx, cancelTTS := withTimeout(ctx, r.opts.TTSTimeout)
	defer cancelTTS()

	start = time.Now()
	err = r.synthesizer.Synthesize(ttsCtx, reply, outPath, r.opts.Voice)
	r.observe(StageSynthesize, start, err)
	if err != nil {
		r.logger.Error("synthesis failed", zap.String("file", name), zap.Error(err))
		// never leave a partial file behind a failed turn
		_ = os.Remove(outPath)
		return model.ChatResult{}, &StageError{Stage: StageSynthesize, Err: err}
	}

	return model.ChatResult{Reply: reply, AudioURL: r.audio.URL(name)}, nil
}
