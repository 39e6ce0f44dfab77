// Package filedict implements the FileDict of spec §4: a key->bytes map
// persisted as one file per key in a directory, the storage primitive
// CapDict and RepLog's sink records build on. Grounded on the teacher's
// internal/storage.MemoryStore shape (a small mutex-guarded interface)
// but backed by the filesystem instead of an in-memory map, since a
// FileDict's whole point is durability across restarts.
package filedict

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when key has no file.
var ErrNotFound = fmt.Errorf("filedict: key not found")

// FileDict is a directory-backed key->bytes map. Keys are sanitized into
// filenames; writes are atomic (write to a temp file, then rename) so a
// crash mid-write never leaves a torn value on disk.
type FileDict struct {
	mu  sync.Mutex
	dir string
}

// Open returns a FileDict rooted at dir, creating it if necessary.
func Open(dir string) (*FileDict, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filedict: mkdir %s: %w", dir, err)
	}
	return &FileDict{dir: dir}, nil
}

// pathFor maps key to its on-disk file, escaping '/' (which would
// otherwise create a subdirectory out of a key) and '%' (the escape
// character itself).
func (d *FileDict) pathFor(key string) string {
	return filepath.Join(d.dir, escapeKey(key))
}

func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' || c == '%' {
			out = append(out, '%', hexDigit(c>>4), hexDigit(c&0xf))
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + (n - 10)
}

func unescapeKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '%' && i+2 < len(name) {
			hi := unhex(name[i+1])
			lo := unhex(name[i+2])
			if hi >= 0 && lo >= 0 {
				out = append(out, byte(hi<<4|lo))
				i += 2
				continue
			}
		}
		out = append(out, name[i])
	}
	return string(out)
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// Get returns the bytes stored for key, or ErrNotFound.
func (d *FileDict) Get(key string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put stores value under key, replacing any existing value, via a
// write-temp-then-rename so readers never see a partial write.
func (d *FileDict) Put(key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tmp := filepath.Join(d.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("filedict: write temp: %w", err)
	}
	if err := os.Rename(tmp, d.pathFor(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filedict: rename: %w", err)
	}
	return nil
}

// Remove deletes key's file. Removing a key that doesn't exist is not an
// error (idempotent, matching the teacher's storage.MemoryStore.Delete).
func (d *FileDict) Remove(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(d.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys returns every key currently stored, in sorted order.
func (d *FileDict) Keys() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) >= 5 && name[:5] == ".tmp-" {
			continue
		}
		keys = append(keys, unescapeKey(name))
	}
	sort.Strings(keys)
	return keys, nil
}
