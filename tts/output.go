package tts

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic lets write produce a sibling temp file and renames it onto
// outPath only when it is complete and non-empty, so a half-written reply is
// never served.
func writeFileAtomic(outPath string, write func(tmpPath string) error) error {
	dir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outPath)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	defer os.Remove(tmpPath)

	if err := write(tmpPath); err != nil {
		return err
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("engine produced an empty file")
	}
	return os.Rename(tmpPath, outPath)
}
