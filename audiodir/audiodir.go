// Package audiodir owns the directory that synthesized replies are written to
// and maps their file names onto public URLs.
package audiodir

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// URLPrefix is where the HTTP layer serves the directory.
	URLPrefix = "/static/audio/"

	filePrefix    = "response_"
	fileExt       = ".wav"
	// engines render into ".response_<hex>.wav-<n>.tmp" and rename when done
	partialPrefix = "." + filePrefix
	partialExt    = ".tmp"
)

// Dir is the output directory for synthesized audio.
type Dir struct {
	root string
}

// New creates root if needed. Calling it again for an existing directory is a no-op.
func New(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("audio directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// NewFilename returns a fresh name of the form response_<32 hex>.wav.
func (d *Dir) NewFilename() string {
	id := uuid.New()
	return filePrefix + strings.ReplaceAll(id.String(), "-", "") + fileExt
}

// Path returns the on-disk location of name.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, filepath.Base(name))
}

// URL returns the public URL of name.
func (d *Dir) URL(name string) string {
	return URLPrefix + path.Base(name)
}

// isReply reports whether name looks like a file this package handed out.
func isReply(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}

// isPartial matches a reply render left behind by an interrupted synthesis.
func isPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix) && strings.HasSuffix(name, partialExt)
}

// Sweep removes replies and abandoned partial renders last modified before
// cutoff and returns how many it deleted.
func (d *Dir) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !(isReply(entry.Name()) || isPartial(entry.Name())) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(d.root, entry.Name())); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Janitor periodically deletes replies older than Retention.
type Janitor struct {
	Dir       *Dir
	Retention time.Duration
	Interval  time.Duration
	Logger    *zap.Logger
}

// Run sweeps every Interval until ctx is done. A non-positive Retention
// disables sweeping and Run returns immediately.
func (j *Janitor) Run(ctx context.Context) error {
	if j.Retention <= 0 {
		return nil
	}
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := j.Interval
	if interval <= 0 {
		interval = j.Retention
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := j.Dir.Sweep(now.Add(-j.Retention))
			if err != nil {
				logger.Warn("audio sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("removed expired audio", zap.Int("files", n))
			}
		}
	}
}
