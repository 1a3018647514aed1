// Package chunkstore stages uploaded byte-range chunks on the local
// filesystem, keyed by the client-supplied content hash, and reassembles them
// into a single source file once the upload is complete. The directory layout
// doubles as the resume index: listing a staging directory answers which
// chunks the client still needs to send.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// IncompleteUploadError reports a merge attempted before every chunk in the
// declared range arrived. Missing lists the absent indexes so callers can
// forward them to the client for resend.
type IncompleteUploadError struct {
	ContentHash   string
	DeclaredTotal int
	Missing       []int
}

func (e *IncompleteUploadError) Error() string {
	if e.DeclaredTotal > 0 {
		return fmt.Sprintf("upload %s incomplete: %d of %d chunks missing", e.ContentHash, len(e.Missing), e.DeclaredTotal)
	}
	return fmt.Sprintf("upload %s incomplete: gap in chunk sequence, missing %v", e.ContentHash, e.Missing)
}

// ErrNoChunks indicates a merge was requested for an identity with no staged
// chunks at all.
var ErrNoChunks = errors.New("no staged chunks for upload")

// Store manages the staging tree rooted at a single directory. All methods are
// safe for concurrent use across distinct chunk indexes of the same identity;
// collision-free naming (hash + index) keeps concurrent uploads of different
// content from interleaving.
type Store struct {
	root string
}

// New creates the staging root when absent and returns a Store bound to it.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("prepare staging root: %w", err)
	}
	return &Store{root: absRoot}, nil
}

// Root returns the absolute staging root directory.
func (s *Store) Root() string {
	return s.root
}

// ValidateIdentity rejects hashes and extensions that could escape the staging
// tree or collide across identities.
func ValidateIdentity(hash, ext string) error {
	if strings.TrimSpace(hash) == "" {
		return fmt.Errorf("content hash is required")
	}
	for _, r := range hash {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return fmt.Errorf("invalid content hash %q", hash)
		}
	}
	if ext != "" {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("file extension must start with a dot, got %q", ext)
		}
		trimmed := ext[1:]
		if trimmed == "" {
			return fmt.Errorf("file extension is empty")
		}
		for _, r := range trimmed {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			default:
				return fmt.Errorf("invalid file extension %q", ext)
			}
		}
	}
	return nil
}

// ChunkName renders the canonical wire name for a chunk: "<hash>-<index>".
func ChunkName(hash string, index int) string {
	return fmt.Sprintf("%s-%d", hash, index)
}

// ParseChunkName splits a "<hash>-<index>" chunk name, validating that the
// embedded hash matches the declared upload identity.
func ParseChunkName(name, hash string) (int, error) {
	prefix := hash + "-"
	if !strings.HasPrefix(name, prefix) {
		return 0, fmt.Errorf("chunk name %q does not match content hash %q", name, hash)
	}
	index, err := strconv.Atoi(name[len(prefix):])
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid chunk index in %q", name)
	}
	return index, nil
}

func (s *Store) stagingDir(hash, ext string) string {
	return filepath.Join(s.root, hash+ext)
}

// WriteChunk stores one chunk at its deterministic path. Rewriting the same
// index is permitted; the last write wins. Returns the number of bytes stored.
func (s *Store) WriteChunk(hash, ext string, index int, r io.Reader) (int64, error) {
	if err := ValidateIdentity(hash, ext); err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, fmt.Errorf("chunk index must be non-negative, got %d", index)
	}
	dir := s.stagingDir(hash, ext)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("prepare staging dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "chunk-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("stage chunk: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close chunk %d: %w", index, err)
	}
	final := filepath.Join(dir, ChunkName(hash, index))
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("commit chunk %d: %w", index, err)
	}
	return written, nil
}

// ListPresent reports the chunk indexes staged for the identity, sorted
// ascending. A missing staging directory yields an empty slice.
func (s *Store) ListPresent(hash, ext string) ([]int, error) {
	if err := ValidateIdentity(hash, ext); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.stagingDir(hash, ext))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	indexes := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		index, err := ParseChunkName(entry.Name(), hash)
		if err != nil {
			continue
		}
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes, nil
}

// MergeResult describes a completed reassembly.
type MergeResult struct {
	Path   string
	Size   int64
	Digest string
	Chunks int
}

// Merge concatenates staged chunks in ascending index order into
// <root>/<hash><ext>.merged and returns its path alongside a BLAKE2b-256
// digest of the merged bytes. The staged indexes must form the contiguous
// range 0..n-1; when declaredTotal is positive, n must also equal it. Any gap
// or shortfall yields *IncompleteUploadError and leaves the staging area
// untouched so the client can resume.
func (s *Store) Merge(hash, ext string, declaredTotal int) (MergeResult, error) {
	if err := ValidateIdentity(hash, ext); err != nil {
		return MergeResult{}, err
	}
	indexes, err := s.ListPresent(hash, ext)
	if err != nil {
		return MergeResult{}, err
	}
	if len(indexes) == 0 {
		return MergeResult{}, fmt.Errorf("%w: %s%s", ErrNoChunks, hash, ext)
	}
	if missing := missingIndexes(indexes, declaredTotal); len(missing) > 0 {
		return MergeResult{}, &IncompleteUploadError{
			ContentHash:   hash,
			DeclaredTotal: declaredTotal,
			Missing:       missing,
		}
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return MergeResult{}, fmt.Errorf("init digest: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, "merge-*.tmp")
	if err != nil {
		return MergeResult{}, fmt.Errorf("stage merge: %w", err)
	}
	out := io.MultiWriter(tmp, hasher)

	var size int64
	dir := s.stagingDir(hash, ext)
	for _, index := range indexes {
		written, err := appendChunk(out, filepath.Join(dir, ChunkName(hash, index)))
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return MergeResult{}, fmt.Errorf("merge chunk %d: %w", index, err)
		}
		size += written
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return MergeResult{}, fmt.Errorf("close merged file: %w", err)
	}
	// The staging directory occupies <root>/<hash><ext>; the merged file takes
	// a .merged suffix so the two never collide.
	final := filepath.Join(s.root, hash+ext+".merged")
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return MergeResult{}, fmt.Errorf("commit merged file: %w", err)
	}
	return MergeResult{
		Path:   final,
		Size:   size,
		Digest: fmt.Sprintf("%x", hasher.Sum(nil)),
		Chunks: len(indexes),
	}, nil
}

// Cleanup removes the staging directory for an identity. Called after a
// successful merge; staged chunks are deliberately retained on failure so the
// client can resume and operators can inspect.
func (s *Store) Cleanup(hash, ext string) error {
	if err := ValidateIdentity(hash, ext); err != nil {
		return err
	}
	if err := os.RemoveAll(s.stagingDir(hash, ext)); err != nil {
		return fmt.Errorf("cleanup staging dir: %w", err)
	}
	return nil
}

func appendChunk(w io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(w, in)
	if closeErr := in.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

func missingIndexes(present []int, declaredTotal int) []int {
	total := declaredTotal
	if total <= 0 {
		// Without a declared count the best available check is contiguity
		// from zero through the highest staged index.
		total = present[len(present)-1] + 1
	}
	seen := make(map[int]struct{}, len(present))
	for _, index := range present {
		seen[index] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}
