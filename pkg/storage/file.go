package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/levenlabs/go-lflag"
)

// FileProvider stores each document as a JSON file under dir/kind/name.json.
// Writes go to a temporary file that is renamed into place so a reader never
// sees a partial document.
type FileProvider struct {
	dir string

	mu sync.Mutex
}

var _ Backend = (*FileProvider)(nil)

func configuredFile() *FileProvider {
	dir := lflag.String("storage-dir", "data", "Directory for the file storage provider")

	f := &FileProvider{}

	lflag.Do(func() {
		f.dir = *dir
	})

	return f
}

// NewFileProvider returns a provider rooted at dir, creating it if needed.
func NewFileProvider(dir string) (*FileProvider, error) {
	f := &FileProvider{dir: dir}
	if err := f.Init(); err != nil {
		return nil, err
	}
	return f, nil
}

// Init creates the storage directory.
func (f *FileProvider) Init() error {
	if f.dir == "" {
		return errors.New("storage directory cannot be empty")
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

func (f *FileProvider) path(kind, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return filepath.Join(f.dir, kind, name+".json"), nil
}

func (f *FileProvider) GetDocument(ctx context.Context, kind, name string) ([]byte, error) {
	p, err := f.path(kind, name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return b, nil
}

func (f *FileProvider) SetDocument(ctx context.Context, kind, name string, data []byte, version int) error {
	p, err := f.path(kind, name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return nil
}

func (f *FileProvider) DeleteDocuments(ctx context.Context, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(f.dir, kind)); err != nil {
		return fmt.Errorf("failed to remove %s documents: %w", kind, err)
	}
	return nil
}

func (f *FileProvider) Close() error {
	return nil
}
