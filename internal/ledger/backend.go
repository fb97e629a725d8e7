package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverS3       = "s3"
	DriverPostgres = "postgres"
)

// Backend is durable storage for serialised ledger snapshots.
//
// Load returns ErrNotFound when nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, snapshot []byte) error
}

// FileBackend keeps the snapshot in a single local file. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// crash mid-write leaves the previous snapshot intact.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty ledger path", ErrInvalidConfig)
	}
	return &FileBackend{path: path}, nil
}

func (b *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger/file: read %s: %w", b.path, err)
	}
	return data, nil
}

func (b *FileBackend) Save(_ context.Context, snapshot []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger/file: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ledger/file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(snapshot); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ledger/file: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ledger/file: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger/file: close: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("ledger/file: rename: %w", err)
	}
	return nil
}

// MemoryBackend holds the snapshot in process memory. It survives Ledger
// re-opens within one process, which is what restart tests need.
type MemoryBackend struct {
	mu   sync.Mutex
	data []byte

	saveErr error
	saves   int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (b *MemoryBackend) Save(_ context.Context, snapshot []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.data = append([]byte(nil), snapshot...)
	b.saves++
	return nil
}

// FailSaves makes every following Save return err until called with nil.
func (b *MemoryBackend) FailSaves(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErr = err
}

// Saves reports how many snapshots were stored.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}
