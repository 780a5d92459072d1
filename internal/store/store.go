// Package store manages the on-disk chunked upload area. The layout
// <base>/<fileName>/chunk_<N> and the world-writable base directory are part
// of the service's external contract.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// assembledName is the file the ordered chunks are concatenated into.
const assembledName = "complete.pdf"

var fileNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ErrNoChunks is returned when assembly is requested for a file that has no
// uploaded chunks.
var ErrNoChunks = errors.New("no chunks uploaded for file")

// Store is a chunk store rooted at a single base directory.
type Store struct {
	base string
}

// New creates the base directory with fully open permissions so the upload
// area is writable regardless of the UID the process runs as, and returns a
// Store rooted there.
func New(base string) (*Store, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "pdf_uploads")
	}
	if err := os.MkdirAll(base, 0o777); err != nil {
		return nil, fmt.Errorf("cannot create upload dir: %w", err)
	}
	// MkdirAll is subject to umask; force the contract explicitly.
	if err := os.Chmod(base, 0o777); err != nil {
		return nil, fmt.Errorf("cannot open upload dir permissions: %w", err)
	}
	return &Store{base: base}, nil
}

// Dir returns the base directory of the store.
func (s *Store) Dir() string {
	return s.base
}

// ValidFileName reports whether name is safe to use as an upload directory
// name: a plain `.pdf` filename with no path separators or oddball characters.
func ValidFileName(name string) bool {
	return name != "" &&
		strings.HasSuffix(name, ".pdf") &&
		fileNameRe.MatchString(name)
}

func (s *Store) fileDir(fileName string) (string, error) {
	if !ValidFileName(fileName) {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return filepath.Join(s.base, fileName), nil
}

// SaveChunk writes one chunk to <base>/<fileName>/chunk_<index> and returns
// the number of bytes written. Re-uploading an index overwrites it.
func (s *Store) SaveChunk(fileName string, index int, r io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("invalid chunk index %d", index)
	}
	dir, err := s.fileDir(fileName)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return 0, fmt.Errorf("cannot create chunk dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("cannot create chunk file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("cannot write chunk %d of %s: %w", index, fileName, err)
	}
	return n, nil
}

// ChunksReceived counts the chunks currently stored for fileName.
func (s *Store) ChunksReceived(fileName string) (int, error) {
	paths, err := s.chunkPaths(fileName)
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// HasChunks reports whether at least one chunk exists for fileName.
func (s *Store) HasChunks(fileName string) bool {
	n, err := s.ChunksReceived(fileName)
	return err == nil && n > 0
}

// chunkPaths returns the chunk files for fileName sorted by numeric index.
func (s *Store) chunkPaths(fileName string) ([]string, error) {
	dir, err := s.fileDir(fileName)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read chunk dir: %w", err)
	}

	type chunk struct {
		index int
		path  string
	}
	var chunks []chunk
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "chunk_") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "chunk_"))
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk{index: idx, path: filepath.Join(dir, name)})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
	}
	return paths, nil
}

// Assemble concatenates the chunks of fileName in index order into
// <base>/<fileName>/complete.pdf and returns its path and size.
func (s *Store) Assemble(fileName string) (string, int64, error) {
	paths, err := s.chunkPaths(fileName)
	if err != nil {
		return "", 0, err
	}
	if len(paths) == 0 {
		return "", 0, ErrNoChunks
	}

	dir, _ := s.fileDir(fileName)
	outPath := filepath.Join(dir, assembledName)
	out, err := os.Create(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("cannot create assembled file: %w", err)
	}

	var total int64
	for _, p := range paths {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return "", 0, fmt.Errorf("cannot open chunk %s: %w", p, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return "", 0, fmt.Errorf("cannot append chunk %s: %w", p, err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("cannot finalize assembled file: %w", err)
	}
	return outPath, total, nil
}

// Cleanup removes all chunks, the assembled file, and the per-file directory.
func (s *Store) Cleanup(fileName string) error {
	dir, err := s.fileDir(fileName)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
