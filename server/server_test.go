package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/audiodir"
	"github.com/mrsingh-rishi/voice-relay/metrics"
	"github.com/mrsingh-rishi/voice-relay/model"
	"github.com/mrsingh-rishi/voice-relay/service"
	"github.com/mrsingh-rishi/voice-relay/tts"
)

var audioURL = regexp.MustCompile(`^/static/audio/response_[0-9a-f]{32}\.wav$`)

type transcriberFunc func(ctx context.Context, path string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

type mockChat struct{ mock.Mock }

func (m *mockChat) GetReply(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

// fakeEngine knows a single voice and writes a stub WAV.
type fakeEngine struct {
	saveErr error
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(context.Context) (tts.Session, error) {
	return &fakeSession{saveErr: e.saveErr}, nil
}

type fakeSession struct {
	saveErr error
}

func (s *fakeSession) SetVoice(_ context.Context, id string) error {
	if id != "known" {
		return errors.New("voice not found: " + id)
	}
	return nil
}

func (s *fakeSession) SetRate(int) error { return nil }

func (s *fakeSession) SaveToFile(_ context.Context, _ string, outPath string) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return os.WriteFile(outPath, []byte("RIFF....WAVE"), 0o600)
}

func (s *fakeSession) Close() error { return nil }

type fixture struct {
	server  *Server
	chat    *mockChat
	static  string
	tempDir string
	metrics *metrics.Metrics
}

type fixtureOptions struct {
	transcribe transcriberFunc
	engine     *fakeEngine
	voice      string
	redact     bool
	bodyLimit  int
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	static := t.TempDir()
	tempDir := t.TempDir()
	dir, err := audiodir.New(filepath.Join(static, "audio"))
	require.NoError(t, err)

	if fo.transcribe == nil {
		fo.transcribe = func(context.Context, string) (string, error) { return "hello there", nil }
	}
	if fo.engine == nil {
		fo.engine = &fakeEngine{}
	}
	speaker, err := tts.NewSpeaker(fo.engine, zap.NewNop())
	require.NoError(t, err)

	m := metrics.New()
	chat := &mockChat{}
	relay, err := service.NewRelay(fo.transcribe, chat, speaker, dir, service.Options{
		TempDir:  tempDir,
		Voice:    model.VoiceConfig{ID: fo.voice},
		Observer: m,
	}, zap.NewNop())
	require.NoError(t, err)

	srv, err := New(relay, Options{
		StaticDir:    static,
		BodyLimit:    fo.bodyLimit,
		RedactErrors: fo.redact,
		Metrics:      m,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return &fixture{server: srv, chat: chat, static: static, tempDir: tempDir, metrics: m}
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

func jsonRequest(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func chatRequestOf(body string) *http.Request { return jsonRequest("/chat", body) }

func uploadRequest(t *testing.T, field string, data []byte, extra map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	if field != "" {
		fw, err := mw.CreateFormFile(field, "speech.wav")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{StaticDir: t.TempDir()})
	require.Error(t, err)
}

func TestIndexPage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, err := f.server.App().Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	raw, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(raw), "/transcribe")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	status, body := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestTranscribeReturnsText(t *testing.T) {
	var seen string
	f := newFixture(t, fixtureOptions{transcribe: func(_ context.Context, path string) (string, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		seen = string(raw)
		return "turn on the lights", nil
	}})

	status, body := f.do(t, uploadRequest(t, "audio", []byte("RIFFDATA"), nil))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "turn on the lights", body["text"])
	require.Equal(t, "RIFFDATA", seen)
	require.Empty(t, dirEntries(t, f.tempDir))
}

func TestTranscribeRemovesTempFileOnFailure(t *testing.T) {
	var tempPath string
	f := newFixture(t, fixtureOptions{transcribe: func(_ context.Context, path string) (string, error) {
		tempPath = path
		return "", errors.New("model exploded")
	}})

	status, body := f.do(t, uploadRequest(t, "audio", []byte("RIFF"), nil))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "model exploded", body["error"])
	require.NoFileExists(t, tempPath)
	require.Empty(t, dirEntries(t, f.tempDir))
}

func TestTranscribeMissingAudioField(t *testing.T) {
	f := newFixture(t, fixtureOptions{transcribe: func(context.Context, string) (string, error) {
		t.Error("transcriber must not be called")
		return "", nil
	}})

	cases := map[string]*http.Request{
		"other file field": uploadRequest(t, "voice", []byte("RIFF"), nil),
		"only text fields": uploadRequest(t, "", nil, map[string]string{"audio_name": "x"}),
		"json body":        jsonRequest("/transcribe", `{"audio":"RIFF"}`),
		"empty body":       httptest.NewRequest(http.MethodPost, "/transcribe", nil),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			status, body := f.do(t, req)
			require.Equal(t, http.StatusBadRequest, status)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestChatHello(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	resp, err := f.server.App().Test(chatRequestOf(`{"text":"Hello"}`), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body, 2)
	require.Equal(t, "Hi there!", body["response"])
	require.Regexp(t, audioURL, body["audio_url"])
}

func TestChatAudioIsServed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	status, body := f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusOK, status)

	resp, err := f.server.App().Test(httptest.NewRequest(http.MethodGet, body["audio_url"].(string), nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, "RIFF....WAVE", string(raw))
}

func TestChatFilenamesAreUnique(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "same").Return("same reply", nil)

	_, first := f.do(t, chatRequestOf(`{"text":"same"}`))
	_, second := f.do(t, chatRequestOf(`{"text":"same"}`))
	require.Regexp(t, audioURL, first["audio_url"])
	require.Regexp(t, audioURL, second["audio_url"])
	require.NotEqual(t, first["audio_url"], second["audio_url"])
}

func TestChatRejectsMissingText(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for name, body := range map[string]string{
		"empty":      `{"text":""}`,
		"blank":      `{"text":"   "}`,
		"absent":     `{}`,
		"other key":  `{"message":"hi"}`,
		"not json":   `text=hi`,
		"wrong type": `{"text":42}`,
		"no body":    ``,
	} {
		t.Run(name, func(t *testing.T) {
			status, resp := f.do(t, chatRequestOf(body))
			require.Equal(t, http.StatusBadRequest, status)
			require.NotEmpty(t, resp["error"])
			require.NotContains(t, resp, "response")
		})
	}
	f.chat.AssertNotCalled(t, "GetReply", mock.Anything, mock.Anything)
}

func TestChatSynthesisFailureHidesReply(t *testing.T) {
	f := newFixture(t, fixtureOptions{engine: &fakeEngine{saveErr: errors.New("audio device busy")}})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	resp, err := f.server.App().Test(chatRequestOf(`{"text":"Hello"}`), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "Hi there!")

	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body, 1)
	require.Contains(t, body["error"], "audio device busy")
	require.Empty(t, dirEntries(t, filepath.Join(f.static, "audio")))
}

func TestChatModelFailure(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("", errors.New("connection refused"))

	status, body := f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "connection refused", body["error"])
	require.NotContains(t, body, "audio_url")
}

func TestChatInvalidVoiceStillSucceeds(t *testing.T) {
	f := newFixture(t, fixtureOptions{voice: "no-such-voice"})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	status, body := f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Hi there!", body["response"])
	require.Regexp(t, audioURL, body["audio_url"])
}

func TestRedactedErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		redact:     true,
		transcribe: func(context.Context, string) (string, error) { return "", errors.New("/models/ggml.bin: corrupt") },
		engine:     &fakeEngine{saveErr: errors.New("/usr/bin/espeak-ng: exit 1")},
	})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	status, body := f.do(t, uploadRequest(t, "audio", []byte("RIFF"), nil))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "transcription failed", body["error"])

	status, body = f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "speech synthesis failed", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)
	status, _ := f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusOK, status)

	resp, err := f.server.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(raw), `voice_relay_stage_duration_seconds_count{outcome="ok",stage="chat"} 1`)
	require.Contains(t, string(raw), `voice_relay_http_requests_total{method="POST",route="/chat",status="200"} 1`)
}

func TestMetricsLabelsSurviveLaterRequests(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	status, _ := f.do(t, chatRequestOf(`{"text":"Hello"}`))
	require.Equal(t, http.StatusOK, status)
	for i := 0; i < 3; i++ {
		status, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, status)
	}

	resp, err := f.server.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(raw), `voice_relay_http_requests_total{method="POST",route="/chat",status="200"} 1`)
	require.Contains(t, string(raw), `voice_relay_http_requests_total{method="GET",route="/healthz",status="200"} 3`)
	require.NotContains(t, string(raw), `method="GETT"`)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	status, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, fiber.StatusUpgradeRequired, status)
}

// serve runs the app on an ephemeral port and returns its address.
func (f *fixture) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = f.server.App().Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func TestWebSocketTurns(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.chat.On("GetReply", mock.Anything, "Hello").Return("Hi there!", nil)

	conn, _, err := gws.DefaultDialer.Dial("ws://"+f.serve(t)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg socketMessage
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat", "text": "Hello"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "reply", msg.Type)
	assert.Equal(t, "Hi there!", msg.Response)
	assert.Regexp(t, audioURL, msg.AudioURL)

	msg = socketMessage{}
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat", "text": ""}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, http.StatusBadRequest, msg.Status)

	msg = socketMessage{}
	require.NoError(t, conn.WriteMessage(gws.BinaryMessage, []byte("RIFF")))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "transcript", msg.Type)
	assert.Equal(t, "hello there", msg.Text)
	assert.Empty(t, dirEntries(t, f.tempDir))
}

func TestWebSocketRejectsOversizedFrame(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, fixtureOptions{
		bodyLimit: 1024,
		transcribe: func(context.Context, string) (string, error) {
			calls.Add(1)
			return "too long", nil
		},
	})

	conn, _, err := gws.DefaultDialer.Dial("ws://"+f.serve(t)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(gws.BinaryMessage, bytes.Repeat([]byte{1}, 8*1024)))
	_, _, err = conn.ReadMessage()
	require.True(t, gws.IsCloseError(err, gws.CloseMessageTooBig), "got %v", err)
	require.Zero(t, calls.Load())
	require.Empty(t, dirEntries(t, f.tempDir))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// listen starts Server.Listen and waits until url answers /healthz.
func listen(t *testing.T, f *fixture, cfg TLSConfig, client *http.Client, url string) {
	t.Helper()
	addr := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	done := make(chan error, 1)
	go func() { done <- f.server.Listen(addr, cfg) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
		<-done
	})

	require.Eventually(t, func() bool {
		resp, err := client.Get(url + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestListenFallsBackToPlainHTTP(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	missing := filepath.Join(t.TempDir(), "missing.pem")
	listen(t, f, TLSConfig{Enabled: true, CertFile: missing, KeyFile: missing},
		&http.Client{Timeout: time.Second}, "http://"+freeAddr(t))
}

func TestListenServesSelfSignedTLS(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	client := &http.Client{
		Timeout: time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	listen(t, f, TLSConfig{Enabled: true}, client, "https://"+freeAddr(t))
}

func TestSelfSignedCertificate(t *testing.T) {
	cert, err := selfSignedCertificate([]string{"localhost", "127.0.0.1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	require.NotNil(t, cert.PrivateKey)
}

func TestLoadCertificateMissingFiles(t *testing.T) {
	_, err := loadCertificate(TLSConfig{Enabled: true, CertFile: filepath.Join(t.TempDir(), "missing.pem")})
	require.Error(t, err)
}
