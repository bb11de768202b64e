package artifacts

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// ProgressWriter keeps a progress document on disk up to date. Snapshots
// whose done count is below the last written one are ignored.
type ProgressWriter struct {
	path string

	mu       sync.Mutex
	lastDone int
	written  bool
}

// NewProgressWriter creates a writer for path.
func NewProgressWriter(path string) *ProgressWriter {
	return &ProgressWriter{path: path}
}

// Path returns the document location.
func (w *ProgressWriter) Path() string {
	return w.path
}

// Write atomically replaces the document with p.
func (w *ProgressWriter) Write(p types.Progress) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written && p.Done < w.lastDone {
		return nil
	}
	if err := WriteJSON(w.path, p); err != nil {
		return err
	}
	w.lastDone = p.Done
	w.written = true
	return nil
}

// Observer adapts the writer to a progress callback. Write errors are logged;
// progress is advisory and never fails the run.
func (w *ProgressWriter) Observer(logger *zap.Logger) func(types.Progress) {
	return func(p types.Progress) {
		if err := w.Write(p); err != nil {
			logger.Warn("failed to write progress", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// ReadProgress loads a progress document.
func ReadProgress(path string) (types.Progress, error) {
	var p types.Progress
	err := ReadJSON(path, &p)
	return p, err
}
