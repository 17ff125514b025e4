package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ragreader/ragreader/errors"
)

const indexExt = ".gob"

// FileStore persists binary index state under a per-user directory. Files
// are written to a temp name, fsynced, then renamed, so readers only ever
// see complete files.
type FileStore struct {
	root string
}

// NewFileStore roots the store at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Save writes one index file through the supplied writer callback and
// returns the final path. Every save gets a fresh random suffix; the newest
// ready record in the database decides which file is current.
func (fs *FileStore) Save(username string, docID uuid.UUID, method string, write func(io.Writer) error) (string, error) {
	dir := filepath.Join(fs.root, username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return "", fmt.Errorf("create temp index file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write index state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close index file: %w", err)
	}

	final := filepath.Join(dir, indexFileName(username, docID, method))
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("rename index file: %w", err)
	}
	return final, nil
}

// Open opens a previously saved index file for reading.
func (fs *FileStore) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: index file %s", errors.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	return f, nil
}

// IsInitialized reports whether any persisted index file exists for the user
// and method, for any document, regardless of database state.
func (fs *FileStore) IsInitialized(username, method string) bool {
	pattern := filepath.Join(fs.root, username,
		fmt.Sprintf("%s_*_%s_*%s", username, methodSlug(method), indexExt))
	matches, err := filepath.Glob(pattern)
	return err == nil && len(matches) > 0
}

// Remove deletes one index file; missing files are not an error.
func (fs *FileStore) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove index file: %w", err)
	}
	return nil
}

// indexFileName renders `<user>_<docID>_<method>_<6hex>.gob` with the method
// lowercased. The first six characters of a fresh UUID are the hex suffix.
func indexFileName(username string, docID uuid.UUID, method string) string {
	suffix := uuid.NewString()[:6]
	return fmt.Sprintf("%s_%s_%s_%s%s", username, docID, methodSlug(method), suffix, indexExt)
}

// methodSlug reduces a display method name to its file-name form:
// "Dense Retrieval" becomes "dense".
func methodSlug(method string) string {
	slug := strings.ToLower(method)
	if cut, _, found := strings.Cut(slug, " "); found {
		slug = cut
	}
	return slug
}
