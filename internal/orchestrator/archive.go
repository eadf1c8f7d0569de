package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ArchiveRun moves a finished run out of the checkpoint store: its final
// snapshot is written as zstd-compressed JSON under the archive directory
// and the store row deleted. Active runs cannot be archived.
func (o *Orchestrator) ArchiveRun(ctx context.Context, runID string) (string, error) {
	o.mu.Lock()
	_, isActive := o.active[runID]
	o.mu.Unlock()
	if isActive {
		return "", fmt.Errorf("run %s is still active", runID)
	}

	st, _, err := o.store.Load(ctx, runID)
	if err != nil {
		return "", err
	}
	if !st.Status.Terminal() {
		return "", fmt.Errorf("run %s is not finished (status %s)", runID, st.Status)
	}

	if err := os.MkdirAll(o.archive.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(o.archive.Dir, runID+".json.zst")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(st); err != nil {
		enc.Close()
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush archive: %w", err)
	}

	if err := o.store.Delete(ctx, runID); err != nil {
		return "", fmt.Errorf("remove archived checkpoint: %w", err)
	}

	slog.Info("run archived", "run", runID, "path", path)
	return path, nil
}
