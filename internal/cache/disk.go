package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DiskCache implements Store on the local filesystem. Each value is one
// file; its modification time is the write time.
type DiskCache struct {
	cacheDir string
}

// NewDisk creates a new disk cache
func NewDisk(cacheDir string) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
	}
}

// path returns the file for key: <dir>/<first 2 hex chars>/<hex>.bin
func (d *DiskCache) path(key Key) string {
	name := key.String()
	prefix := name
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(d.cacheDir, prefix, name+".bin")
}

// Get retrieves a cached value if it exists and was written within freshness
func (d *DiskCache) Get(key Key, freshness time.Duration) ([]byte, error) {
	cachePath := d.path(key)

	info, err := os.Stat(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "stat", Key: key, Err: err}
	}

	// Too old for this read. The file stays: a concurrent Set may already
	// have renamed a newer value into place, and the next Set replaces it.
	if time.Since(info.ModTime()) > freshness {
		return nil, nil
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		// Removed by Clear between Stat and ReadFile
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "read", Key: key, Err: err}
	}

	return data, nil
}

// Set stores a value. The file is written aside and renamed into place so
// readers see either the old or the new value, never a partial one.
func (d *DiskCache) Set(key Key, data []byte) error {
	cachePath := d.path(key)

	dir := filepath.Dir(cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StoreError{Op: "mkdir", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &StoreError{Op: "create", Key: key, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return &StoreError{Op: "write", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return &StoreError{Op: "write", Key: key, Err: err}
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		return &StoreError{Op: "rename", Key: key, Err: err}
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

// Clear removes the whole cache directory and recreates it
func (d *DiskCache) Clear() error {
	if err := os.RemoveAll(d.cacheDir); err != nil {
		return &StoreError{Op: "clear", Err: err}
	}
	return d.Init()
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return &StoreError{Op: "init", Err: err}
	}
	return nil
}

// Len counts the stored files, fresh or not
func (d *DiskCache) Len() int {
	count := 0
	_ = filepath.WalkDir(d.cacheDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".bin") {
			count++
		}
		return nil
	})
	return count
}
