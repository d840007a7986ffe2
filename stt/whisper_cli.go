package stt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// WhisperCLI runs the whisper.cpp command line binary once per clip.
type WhisperCLI struct {
	binary        string
	modelPath     string
	language      string
	fullPrecision bool
	logger        *zap.Logger

	mu       sync.Mutex
	resolved string
}

func NewWhisperCLI(cfg Config, logger *zap.Logger) (*WhisperCLI, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	binary := cfg.CLIPath
	if binary == "" {
		binary = "whisper-cli"
	}
	return &WhisperCLI{
		binary:        binary,
		modelPath:     cfg.ModelPath,
		language:      cfg.Language,
		fullPrecision: cfg.FullPrecision,
		logger:        logger.With(zap.String("stt", BackendWhisperCLI)),
	}, nil
}

func (w *WhisperCLI) Name() string { return BackendWhisperCLI }

func (w *WhisperCLI) Load(_ context.Context) error {
	path, err := exec.LookPath(w.binary)
	if err != nil {
		return fmt.Errorf("whisper binary %q: %w", w.binary, err)
	}
	if _, err := os.Stat(w.modelPath); err != nil {
		return fmt.Errorf("whisper model %q: %w", w.modelPath, err)
	}

	w.mu.Lock()
	w.resolved = path
	w.mu.Unlock()

	w.logger.Info("speech model ready", zap.String("binary", path), zap.String("model", w.modelPath))
	return nil
}

func (w *WhisperCLI) args(audioPath string) []string {
	args := []string{"-m", w.modelPath, "-f", audioPath, "-nt", "-np"}
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	if w.fullPrecision {
		args = append(args, "-ng")
	}
	return args
}

func (w *WhisperCLI) Transcribe(ctx context.Context, path string) (string, error) {
	w.mu.Lock()
	binary := w.resolved
	w.mu.Unlock()
	if binary == "" {
		return "", fmt.Errorf("whisper cli: model not loaded")
	}

	cmd := exec.CommandContext(ctx, binary, w.args(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("whisper cli: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var lines []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, " "), nil
}

func (w *WhisperCLI) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolved = ""
	return nil
}
