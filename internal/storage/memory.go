package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get returns a copy of the object at key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data at key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

// Keys returns all keys with the given prefix in sorted order.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DownloadDir writes every object under prefix below dir.
func (s *MemoryStore) DownloadDir(ctx context.Context, prefix, dir string) (int, error) {
	n := 0
	for _, key := range s.Keys(prefix) {
		data, err := s.Get(ctx, key)
		if err != nil {
			return n, err
		}
		if err := writeLocal(dir, strings.TrimPrefix(key, prefix), data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// UploadDir stores every regular file below dir under prefix.
func (s *MemoryStore) UploadDir(ctx context.Context, dir, prefix string) (int, error) {
	n := 0
	err := walkFiles(dir, func(rel string, data []byte) error {
		n++
		return s.Put(ctx, prefix+rel, data)
	})
	return n, err
}

// writeLocal writes data to dir/rel, refusing paths that escape dir.
func writeLocal(dir, rel string, data []byte) error {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || strings.HasSuffix(rel, "/") {
		return nil
	}
	target := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("object path %q escapes %q", rel, dir)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %q: %w", rel, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", target, err)
	}
	return nil
}

// walkFiles calls fn with the slash-separated relative path and contents of
// each regular file below dir. A missing dir yields no files.
func walkFiles(dir string, fn func(rel string, data []byte) error) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %q: %w", p, err)
		}
		return fn(filepath.ToSlash(rel), data)
	})
}
