package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

const (
	elevenLabsBaseURL    = "https://api.elevenlabs.io"
	elevenLabsModel      = "eleven_multilingual_v2"
	elevenLabsSampleRate = 22050
)

// ElevenLabsClient renders through the ElevenLabs REST API as raw PCM and
// wraps the samples in a WAV container.
type ElevenLabsClient struct {
	APIKey       string
	BaseURL      string
	ModelId      string
	DefaultVoice string
	httpClient   *http.Client
}

func NewElevenLabsClient(cfg Config) (*ElevenLabsClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if cfg.DefaultVoice == "" {
		return nil, fmt.Errorf("elevenlabs default voice is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	modelID := cfg.Model
	if modelID == "" {
		modelID = elevenLabsModel
	}
	return &ElevenLabsClient{
		APIKey:       cfg.APIKey,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ModelId:      modelID,
		DefaultVoice: cfg.DefaultVoice,
		httpClient:   &http.Client{},
	}, nil
}

func (client *ElevenLabsClient) Name() string { return EngineElevenLabs }

func (client *ElevenLabsClient) Open(_ context.Context) (Session, error) {
	return &elevenLabsSession{client: client, voice: client.DefaultVoice, rate: SpeakingRate}, nil
}

func (client *ElevenLabsClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("xi-api-key", client.APIKey)
	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// voices lists the IDs and names of voices available to the account.
func (client *ElevenLabsClient) voices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.BaseURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Voices []struct {
			VoiceID string `json:"voice_id"`
			Name    string `json:"name"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	ids := make([]string, 0, 2*len(payload.Voices))
	for _, v := range payload.Voices {
		ids = append(ids, v.VoiceID, v.Name)
	}
	return ids, nil
}

type elevenLabsSession struct {
	client *ElevenLabsClient
	voice  string
	rate   int
	closed bool
}

func (s *elevenLabsSession) SetVoice(ctx context.Context, id string) error {
	if s.closed {
		return errSessionClosed
	}
	voices, err := s.client.voices(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}
	for i := 0; i+1 < len(voices); i += 2 {
		if voices[i] == id || strings.EqualFold(voices[i+1], id) {
			s.voice = voices[i]
			return nil
		}
	}
	return fmt.Errorf("voice %q not available", id)
}

func (s *elevenLabsSession) SetRate(wordsPerMinute int) error {
	if s.closed {
		return errSessionClosed
	}
	if wordsPerMinute <= 0 {
		return fmt.Errorf("invalid rate %d", wordsPerMinute)
	}
	s.rate = wordsPerMinute
	return nil
}

// speed maps words per minute onto the API's 0.7–1.2 range.
func (s *elevenLabsSession) speed() float64 {
	v := float64(s.rate) / SpeakingRate
	if v < 0.7 {
		return 0.7
	}
	if v > 1.2 {
		return 1.2
	}
	return v
}

func (s *elevenLabsSession) SaveToFile(ctx context.Context, text, outPath string) error {
	if s.closed {
		return errSessionClosed
	}
	base, err := url.Parse(fmt.Sprintf("%s/v1/text-to-speech/%s", s.client.BaseURL, url.PathEscape(s.voice)))
	if err != nil {
		return err
	}
	q := base.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", elevenLabsSampleRate))
	base.RawQuery = q.Encode()

	payload := map[string]interface{}{
		"text":     text,
		"model_id": s.client.ModelId,
		"voice_settings": map[string]float64{
			"stability":        0.75,
			"similarity_boost": 0.7,
			"speed":            s.speed(),
		},
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("empty audio response")
	}

	return writeFileAtomic(outPath, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		if err := writeWAVHeader(f, elevenLabsSampleRate, len(pcm)); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(pcm); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func (s *elevenLabsSession) Close() error {
	s.closed = true
	return nil
}
