// Package artifact captures fingerprints of stage outputs.
//
// A file fingerprint is the hex digest of its bytes. A directory fingerprint
// is DirectoryDigest over its files' (relative path, fingerprint) pairs, so it
// never depends on traversal order, timestamps or the absolute location of the
// directory. Files inside one directory are hashed concurrently; the
// aggregation sorts before hashing, which keeps the result order independent.
//
// When asked, the recorder also extracts a flat map of named fields from
// structured files (see ExtractFields). Standard and tolerant validation
// compare these instead of raw bytes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/repro/internal/ir"
)

const (
	// DefaultBufferSize bounds the memory used to stream one file.
	DefaultBufferSize = 64 * 1024

	// DefaultMaxExtractSize is the largest file whose fields are extracted.
	DefaultMaxExtractSize = 16 * 1024 * 1024
)

// Recorder computes captures. The zero value is ready to use.
type Recorder struct {
	// BufferSize is the streaming chunk size. Zero means DefaultBufferSize.
	BufferSize int

	// Workers bounds concurrent file hashing inside one directory.
	// Zero means GOMAXPROCS.
	Workers int

	// MaxExtractSize skips field extraction for larger files.
	// Zero means DefaultMaxExtractSize.
	MaxExtractSize int64

	// Logger receives debug output. Nil means slog.Default().
	Logger *slog.Logger
}

func (r *Recorder) bufferSize() int {
	if r.BufferSize > 0 {
		return r.BufferSize
	}
	return DefaultBufferSize
}

func (r *Recorder) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (r *Recorder) maxExtract() int64 {
	if r.MaxExtractSize > 0 {
		return r.MaxExtractSize
	}
	return DefaultMaxExtractSize
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Capture fingerprints the file or directory at path.
//
// A path that does not exist yields Capture{Exists: false} and a nil error.
// A path that exists but cannot be read yields an *ir.IOError. An unknown
// hash method yields an *ir.ConfigurationError. When extract is set, fields
// are extracted from structured files.
func (r *Recorder) Capture(ctx context.Context, path, method string, extract bool) (ir.Capture, error) {
	m, err := NormalizeMethod(method)
	if err != nil {
		return ir.Capture{}, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ir.Capture{Exists: false, HashMethod: m}, nil
	}
	if err != nil {
		return ir.Capture{}, &ir.IOError{Op: "stat", Path: path, Err: err}
	}

	if info.IsDir() {
		return r.captureDir(ctx, path, m, extract)
	}

	fingerprint, size, err := r.hashFile(ctx, path, m)
	if err != nil {
		return ir.Capture{}, err
	}
	c := ir.Capture{
		Exists:      true,
		Fingerprint: fingerprint,
		HashMethod:  m,
		Size:        size,
	}
	if extract {
		fields, err := r.extractFile(path, size)
		if err != nil {
			return ir.Capture{}, err
		}
		c.Fields = fields
	}

	r.logger().Debug("artifact captured", "path", path, "fingerprint", fingerprint, "size", size)
	return c, nil
}

func (r *Recorder) captureDir(ctx context.Context, root, method string, extract bool) (ir.Capture, error) {
	var (
		rels  []string
		paths []string
	)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(p)
			if err != nil {
				return err
			}
			if target.IsDir() {
				return nil // not followed
			}
		} else if !d.Type().IsRegular() {
			return nil // sockets, devices, pipes
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rels = append(rels, norm.NFC.String(filepath.ToSlash(rel)))
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return ir.Capture{}, &ir.IOError{Op: "walk", Path: root, Err: err}
	}

	files := make([]FileDigest, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i := range paths {
		g.Go(func() error {
			fingerprint, size, err := r.hashFile(gctx, paths[i], method)
			if err != nil {
				return err
			}
			files[i] = FileDigest{Path: rels[i], Fingerprint: fingerprint, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ir.Capture{}, err
	}

	fingerprint, err := DirectoryDigest(method, files)
	if err != nil {
		return ir.Capture{}, err
	}

	order := make([]int, len(files))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return strings.Compare(files[a].Path, files[b].Path) })

	c := ir.Capture{
		Exists:      true,
		IsDir:       true,
		Fingerprint: fingerprint,
		HashMethod:  method,
		FileCount:   len(files),
		Files:       make([]FileDigest, len(files)),
	}
	for k, i := range order {
		c.Files[k] = files[i]
		c.Size += files[i].Size
	}

	if extract {
		for _, i := range order {
			fields, err := r.extractFile(paths[i], files[i].Size)
			if err != nil {
				return ir.Capture{}, err
			}
			for k, v := range fields {
				if c.Fields == nil {
					c.Fields = make(map[string]any)
				}
				c.Fields[files[i].Path+":"+k] = v
			}
		}
	}

	r.logger().Debug("directory captured", "path", root, "fingerprint", fingerprint, "files", len(files))
	return c, nil
}

// hashFile streams a file through the hash in bounded chunks.
func (r *Recorder) hashFile(ctx context.Context, path, method string) (string, int64, error) {
	h, err := newHash(method)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, &ir.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, r.bufferSize())
	size, err := io.CopyBuffer(onlyWriter{h}, ctxReader{ctx: ctx, r: f}, buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		return "", 0, &ir.IOError{Op: "read", Path: path, Err: err}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), size, nil
}

func (r *Recorder) extractFile(path string, size int64) (map[string]any, error) {
	if size > r.maxExtract() {
		r.logger().Debug("field extraction skipped: file too large", "path", path, "size", size)
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ir.IOError{Op: "read", Path: path, Err: err}
	}
	return ExtractFields(path, data), nil
}

// onlyWriter hides ReaderFrom on the hash so io.CopyBuffer uses our buffer.
type onlyWriter struct{ h hash.Hash }

func (w onlyWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

// ctxReader stops a long copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
