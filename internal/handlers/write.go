package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/repro/internal/ir"
)

// Write writes fixed content to an output.
//
// Parameters:
//   - path: the declared output path (required)
//   - content: text to write (required)
//   - shared: resolve path in the shared directory
func Write(ctx context.Context, params map[string]any, sc ir.StageContext) error {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return errors.New("write: path is required")
	}
	content, ok := params["content"].(string)
	if !ok {
		return fmt.Errorf("write: content must be a string, got %T", params["content"])
	}
	shared := false
	if v, ok := params["shared"]; ok {
		if shared, ok = v.(bool); !ok {
			return fmt.Errorf("write: shared must be a boolean, got %T", v)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := sc.OutputPath(path, shared)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	sc.Logger().Debug("wrote output", "path", target, "bytes", len(content))
	return nil
}
