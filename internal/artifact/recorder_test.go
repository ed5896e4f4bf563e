package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/testutil"
)

func time0() time.Time { return time.Unix(0, 0) }

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// Files
// ============================================================================

func TestCaptureFile(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "out.txt", "hello")

	var r Recorder
	c, err := r.Capture(context.Background(), path, "", false)
	require.NoError(t, err)

	assert.True(t, c.Exists)
	assert.False(t, c.IsDir)
	assert.Equal(t, sha256Hex("hello"), c.Fingerprint)
	assert.Equal(t, "sha256", c.HashMethod)
	assert.Equal(t, int64(5), c.Size)
	assert.Nil(t, c.Fields)
}

func TestCaptureFileStreamsInSmallChunks(t *testing.T) {
	dir := t.TempDir()
	content := strings.Repeat("abcdefghij", 1000)
	path := testutil.WriteFile(t, dir, "big.bin", content)

	r := Recorder{BufferSize: 7}
	c, err := r.Capture(context.Background(), path, "sha256", false)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(content), c.Fingerprint)
}

func TestCaptureFingerprintIgnoresLocationAndTimestamps(t *testing.T) {
	a := testutil.WriteFile(t, t.TempDir(), "x/one.dat", "payload")
	b := testutil.WriteFile(t, t.TempDir(), "y/two.dat", "payload")
	require.NoError(t, os.Chtimes(b, time0(), time0()))

	var r Recorder
	ca, err := r.Capture(context.Background(), a, "sha256", false)
	require.NoError(t, err)
	cb, err := r.Capture(context.Background(), b, "sha256", false)
	require.NoError(t, err)
	assert.Equal(t, ca.Fingerprint, cb.Fingerprint)
}

func TestCaptureMissingIsNotAnError(t *testing.T) {
	var r Recorder
	c, err := r.Capture(context.Background(), filepath.Join(t.TempDir(), "nope"), "md5", false)
	require.NoError(t, err)
	assert.False(t, c.Exists)
	assert.Equal(t, "md5", c.HashMethod)
}

func TestCaptureUnreadableIsIOError(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	path := testutil.WriteFile(t, t.TempDir(), "secret", "x")
	require.NoError(t, os.Chmod(path, 0o000))
	t.Cleanup(func() { _ = os.Chmod(path, 0o644) })

	var r Recorder
	_, err := r.Capture(context.Background(), path, "sha256", false)
	require.Error(t, err)
	assert.True(t, ir.IsIOError(err))
}

func TestCaptureUnknownMethod(t *testing.T) {
	var r Recorder
	_, err := r.Capture(context.Background(), "irrelevant", "crc32", false)
	assert.True(t, ir.IsConfigurationError(err))
}

func TestHashMethods(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "f", "abc")
	expected := map[string]int{
		"sha256":      64,
		"sha384":      96,
		"sha512":      128,
		"sha1":        40,
		"md5":         32,
		"blake2b-256": 64,
		"file":        64,
		"CONTENT":     64,
	}

	var r Recorder
	seen := map[string]string{}
	for method, hexLen := range expected {
		c, err := r.Capture(context.Background(), path, method, false)
		require.NoError(t, err, method)
		assert.Len(t, c.Fingerprint, hexLen, method)
		seen[c.HashMethod] = c.Fingerprint
	}
	assert.Equal(t, sha256Hex("abc"), seen["sha256"])
	assert.NotEqual(t, seen["sha256"], seen["blake2b-256"])
}

func TestCaptureCancelled(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "f", "abc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var r Recorder
	_, err := r.Capture(ctx, path, "sha256", false)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Directories
// ============================================================================

func TestCaptureDirectory(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"a.txt":       "A",
		"sub/b.txt":   "BB",
		"sub/c/d.txt": "CCC",
	})

	r := Recorder{Workers: 2}
	c, err := r.Capture(context.Background(), dir, "sha256", false)
	require.NoError(t, err)

	assert.True(t, c.IsDir)
	assert.Equal(t, 3, c.FileCount)
	assert.Equal(t, int64(6), c.Size)
	require.Len(t, c.Files, 3)
	assert.Equal(t, []string{"a.txt", "sub/b.txt", "sub/c/d.txt"}, []string{c.Files[0].Path, c.Files[1].Path, c.Files[2].Path})

	want, err := DirectoryDigest("sha256", c.Files)
	require.NoError(t, err)
	assert.Equal(t, want, c.Fingerprint)
}

func TestCaptureDirectoryIndependentOfLocation(t *testing.T) {
	tree := map[string]string{"x/1.csv": "a,b\n1,2\n", "y.json": `{"k":1}`}
	d1, d2 := t.TempDir(), t.TempDir()
	testutil.WriteTree(t, d1, tree)
	testutil.WriteTree(t, d2, tree)

	var r Recorder
	c1, err := r.Capture(context.Background(), d1, "sha256", false)
	require.NoError(t, err)
	c2, err := r.Capture(context.Background(), d2, "sha256", false)
	require.NoError(t, err)
	assert.Equal(t, c1.Fingerprint, c2.Fingerprint)
}

func TestCaptureDirectoryDetectsRenameAndEdit(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	renamed := map[string]string{"a": "1", "c": "2"}
	edited := map[string]string{"a": "1", "b": "3"}

	fingerprint := func(tree map[string]string) string {
		dir := t.TempDir()
		testutil.WriteTree(t, dir, tree)
		var r Recorder
		c, err := r.Capture(context.Background(), dir, "sha256", false)
		require.NoError(t, err)
		return c.Fingerprint
	}

	f := fingerprint(base)
	assert.NotEqual(t, f, fingerprint(renamed))
	assert.NotEqual(t, f, fingerprint(edited))
}

func TestCaptureEmptyDirectory(t *testing.T) {
	var r Recorder
	c, err := r.Capture(context.Background(), t.TempDir(), "sha256", false)
	require.NoError(t, err)
	assert.True(t, c.Exists)
	assert.Zero(t, c.FileCount)
	assert.NotEmpty(t, c.Fingerprint)
}

func TestCaptureDirectoryExtractsPrefixedFields(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"metrics.json": `{"loss": 0.5}`,
		"sub/log.txt":  "epoch 3",
	})

	var r Recorder
	c, err := r.Capture(context.Background(), dir, "sha256", true)
	require.NoError(t, err)
	assert.Equal(t, 0.5, c.Fields["metrics.json:loss"])
	assert.Equal(t, 3.0, c.Fields["sub/log.txt:#0"])
}

func TestDirectoryDigestOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("digest does not depend on entry order", prop.ForAll(
		func(names []string, rotate int) bool {
			files := make([]FileDigest, 0, len(names))
			seen := map[string]bool{}
			for _, n := range names {
				if seen[n] {
					continue
				}
				seen[n] = true
				files = append(files, FileDigest{Path: n, Fingerprint: sha256Hex(n)})
			}
			if len(files) == 0 {
				return true
			}
			k := rotate % len(files)
			shuffled := append(append([]FileDigest{}, files[k:]...), files[:k]...)

			a, err1 := DirectoryDigest("sha256", files)
			b, err2 := DirectoryDigest("sha256", shuffled)
			return err1 == nil && err2 == nil && a == b
		},
		gen.SliceOf(gen.Identifier()),
		gen.IntRange(0, 1000),
	))

	properties.Property("length prefixes prevent boundary collisions", prop.ForAll(
		func(a, b string) bool {
			if a == "" || b == "" {
				return true
			}
			x, _ := DirectoryDigest("sha256", []FileDigest{{Path: a + b, Fingerprint: "f"}})
			y, _ := DirectoryDigest("sha256", []FileDigest{{Path: a, Fingerprint: b + "f"}})
			return x != y
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
