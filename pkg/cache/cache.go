// Package cache provides the byte-blob stores backing the provisioning cache:
// an in-process LRU and a directory of files.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of blobs the memory store keeps.
const DefaultSize = 128

// MemoryStore keeps recently used blobs in memory.
type MemoryStore struct {
	cache *lru.Cache[string, []byte]
}

// NewMemoryStore returns an LRU store holding at most size blobs.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultSize
	}
	lcache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: lcache}, nil
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	return s.cache.Get(key)
}

func (s *MemoryStore) Set(key string, data []byte) error {
	s.cache.Add(key, append([]byte(nil), data...))
	return nil
}

// FileStore keeps one file per key under a directory. File names are the
// SHA-256 of the key so any key maps to a safe name.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".blob")
}

func (s *FileStore) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("key", key).Warn("failed to read cache file")
		}
		return nil, false
	}
	return data, true
}

// Set writes through a temporary file so readers never see a partial blob.
func (s *FileStore) Set(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return fmt.Errorf("failed to store cache file: %w", err)
	}
	return nil
}
