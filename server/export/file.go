package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/san-kum/object-tracker/server/models"
)

// ExportError reports an I/O failure while writing an export. Tracker state
// is never touched by an export, so the same tracks can be exported again.
type ExportError struct {
	Op   string
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}

// WriteFile writes items to path atomically: rows go to a temporary file in
// the same directory which is renamed into place only after a complete,
// flushed write. On cancellation or failure no file is left at path.
func WriteFile(ctx context.Context, path string, items []models.TrackedItem) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ExportError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &ExportError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := WriteCSV(ctx, w, items); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ExportError{Op: "write", Path: path, Err: err}
	}
	if err := w.Flush(); err != nil {
		return &ExportError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &ExportError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &ExportError{Op: "close", Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &ExportError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
