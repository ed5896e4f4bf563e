package artifact

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/repro/internal/ir"
)

// DefaultMethod is the hash method used when none is declared.
const DefaultMethod = "sha256"

var methods = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
	"sha1":   sha1.New,
	"md5":    md5.New,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
		return h
	},
}

// Aliases accepted in documents for the default method.
var aliases = map[string]string{
	"":        DefaultMethod,
	"file":    DefaultMethod,
	"content": DefaultMethod,
}

// NormalizeMethod resolves aliases and validates a hash method name.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(method))
	if alias, ok := aliases[m]; ok {
		m = alias
	}
	if _, ok := methods[m]; !ok {
		return "", ir.NewConfigurationError("hash_method", fmt.Sprintf("unsupported hash method %q (supported: %s)", method, strings.Join(Methods(), ", ")))
	}
	return m, nil
}

// Methods returns the supported hash method names, sorted.
func Methods() []string {
	out := make([]string, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func newHash(method string) (hash.Hash, error) {
	m, err := NormalizeMethod(method)
	if err != nil {
		return nil, err
	}
	return methods[m](), nil
}

// DirectoryDigest aggregates per-file fingerprints into a directory
// fingerprint.
//
// Entries are sorted by path before hashing, and every field is
// length-prefixed, so the result depends only on the set of
// (relative path, file fingerprint) pairs: not on walk order, hashing
// concurrency or file timestamps.
func DirectoryDigest(method string, files []FileDigest) (string, error) {
	h, err := newHash(method)
	if err != nil {
		return "", err
	}

	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b FileDigest) int { return strings.Compare(a.Path, b.Path) })

	writeField := func(data string) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write([]byte(data))
	}

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
	h.Write(count[:])
	for _, f := range sorted {
		writeField(f.Path)
		writeField(f.Fingerprint)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest is re-exported for callers that only import artifact.
type FileDigest = ir.FileDigest
