package tts

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

var defaultOpenAIVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// OpenAISpeech renders through an OpenAI-compatible /audio/speech endpoint,
// typically a local server such as kokoro-fastapi or LocalAI.
type OpenAISpeech struct {
	client       *openai.Client
	model        string
	defaultVoice string
	voices       []string
}

func NewOpenAISpeech(cfg Config) (*OpenAISpeech, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tts base url is required")
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	voices := cfg.Voices
	if len(voices) == 0 {
		voices = defaultOpenAIVoices
	}
	defaultVoice := cfg.DefaultVoice
	if defaultVoice == "" {
		defaultVoice = voices[0]
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &OpenAISpeech{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		defaultVoice: defaultVoice,
		voices:       voices,
	}, nil
}

func (o *OpenAISpeech) Name() string { return EngineOpenAI }

func (o *OpenAISpeech) Open(_ context.Context) (Session, error) {
	return &openAISession{engine: o, voice: o.defaultVoice, rate: SpeakingRate}, nil
}

type openAISession struct {
	engine *OpenAISpeech
	voice  string
	rate   int
	closed bool
}

func (s *openAISession) SetVoice(_ context.Context, id string) error {
	if s.closed {
		return errSessionClosed
	}
	if !containsVoice(s.engine.voices, id) {
		return fmt.Errorf("voice %q not offered by server", id)
	}
	s.voice = id
	return nil
}

func (s *openAISession) SetRate(wordsPerMinute int) error {
	if s.closed {
		return errSessionClosed
	}
	if wordsPerMinute <= 0 {
		return fmt.Errorf("invalid rate %d", wordsPerMinute)
	}
	s.rate = wordsPerMinute
	return nil
}

// speed maps words per minute onto the API's 0.25–4.0 multiplier, with the
// fixed speaking rate as 1.0.
func (s *openAISession) speed() float64 {
	v := float64(s.rate) / SpeakingRate
	if v < 0.25 {
		return 0.25
	}
	if v > 4 {
		return 4
	}
	return v
}

func (s *openAISession) SaveToFile(ctx context.Context, text, outPath string) error {
	if s.closed {
		return errSessionClosed
	}
	resp, err := s.engine.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.engine.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          s.speed(),
	})
	if err != nil {
		return fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	return writeFileAtomic(outPath, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, resp); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func (s *openAISession) Close() error {
	s.closed = true
	return nil
}
