package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// WhisperServer transcribes through a locally hosted, OpenAI-compatible
// whisper server (faster-whisper-server, whisper.cpp server, LocalAI...).
type WhisperServer struct {
	client   *openai.Client
	baseURL  string
	model    string
	language string
	logger   *zap.Logger
	loaded   atomic.Bool
}

func NewWhisperServer(cfg Config, logger *zap.Logger) (*WhisperServer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("stt base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("stt model is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &WhisperServer{
		client:   openai.NewClientWithConfig(clientCfg),
		baseURL:  clientCfg.BaseURL,
		model:    cfg.Model,
		language: cfg.Language,
		logger:   logger.With(zap.String("stt", BackendWhisperServer)),
	}, nil
}

func (w *WhisperServer) Name() string { return BackendWhisperServer }

// Load probes the server once. Any HTTP answer, even an error status from a
// server that does not implement model listing, counts as reachable.
func (w *WhisperServer) Load(ctx context.Context) error {
	_, err := w.client.ListModels(ctx)
	if err != nil {
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		if !errors.As(err, &apiErr) && !errors.As(err, &reqErr) {
			return fmt.Errorf("whisper server %s unreachable: %w", w.baseURL, err)
		}
		w.logger.Debug("model listing not supported", zap.Error(err))
	}
	w.loaded.Store(true)
	w.logger.Info("speech model ready", zap.String("model", w.model), zap.String("base_url", w.baseURL))
	return nil
}

func (w *WhisperServer) Transcribe(ctx context.Context, path string) (string, error) {
	if !w.loaded.Load() {
		return "", fmt.Errorf("whisper server: model not loaded")
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: path,
		Language: w.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("whisper server transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (w *WhisperServer) Close() error {
	w.loaded.Store(false)
	return nil
}
