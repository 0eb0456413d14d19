// Package cache implements the content-addressed cache-file store: for
// each origin ETag, a pair of files filedata-<key> and metadata-<key> in
// the configured cache directory, plus the CacheKey normalization and
// Freshness Oracle that operate on them.
package cache

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.offloadsrv.dev/offload/mod/headermap"
)

// File name prefixes for the two halves of a CacheEntry.
const (
	MetaPrefix = "metadata-"
	DataPrefix = "filedata-"
)

// System-added metadata keys, written alongside the origin's own
// response headers.
const (
	KeyOrigURL    = "X-Offload-Orig-URL"
	KeyHostname   = "X-Offload-Hostname"
	KeyOrigETag   = "X-Offload-Orig-ETag"
	KeyIsWeak     = "X-Offload-Is-Weak"
	KeyCachingPID = "X-Offload-Caching-PID"
)

// Well-known origin header names this package reasons about directly.
const (
	HeaderContentLength = "Content-Length"
	HeaderETag          = "ETag"
	HeaderLastModified  = "Last-Modified"
	HeaderContentType   = "Content-Type"
)

// RequiredKeys lists the metadata keys a valid CacheEntry must carry.
var RequiredKeys = []string{
	HeaderContentLength, HeaderETag, HeaderLastModified, HeaderContentType,
	KeyOrigURL, KeyHostname, KeyOrigETag, KeyIsWeak, KeyCachingPID,
}

// Store is the on-disk cache directory: a flat collection of
// metadata-<key> / filedata-<key> pairs, one per CacheKey.
type Store struct {
	rootDir string
}

// NewStore opens (creating if absent) the cache directory at rootDir.
func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("cache: create root %s: %w", rootDir, err)
	}
	return &Store{rootDir: rootDir}, nil
}

// MetaPath returns the metadata sidecar path for key.
func (s *Store) MetaPath(key string) string { return filepath.Join(s.rootDir, MetaPrefix+key) }

// DataPath returns the filedata path for key.
func (s *Store) DataPath(key string) string { return filepath.Join(s.rootDir, DataPrefix+key) }

// Exists reports whether both CacheEntry files are present for key. It
// does not validate their contents — see IsFresh for that.
func (s *Store) Exists(key string) bool {
	if _, err := os.Stat(s.MetaPath(key)); err != nil {
		return false
	}
	if _, err := os.Stat(s.DataPath(key)); err != nil {
		return false
	}
	return true
}

// ReadMetadata loads and parses the metadata sidecar for key.
func (s *Store) ReadMetadata(key string) (*Metadata, error) {
	f, err := os.Open(s.MetaPath(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMetadata(f)
}

// WriteMetadata atomically commits m as key's metadata sidecar: written
// to a temp file, fsynced, then renamed into place, so a concurrent
// reader never observes a partially written metadata file.
func (s *Store) WriteMetadata(key string, m *Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	path := s.MetaPath(key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("cache: create %s: %w", tmp, err)
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cache: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("cache: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: rename %s: %w", tmp, err)
	}
	return nil
}

// CreateDataFile opens filedata for writing from scratch, truncating any
// stale content, for the CachingWorker to append to.
func (s *Store) CreateDataFile(key string) (*os.File, error) {
	return os.OpenFile(s.DataPath(key), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// OpenDataFile opens filedata for reading, for a Request worker's
// streaming loop.
func (s *Store) OpenDataFile(key string) (*os.File, error) {
	return os.Open(s.DataPath(key))
}

// DataSize stats filedata without disturbing any open handle elsewhere —
// this is how a reader observes writer progress.
func (s *Store) DataSize(key string) (int64, error) {
	fi, err := os.Stat(s.DataPath(key))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Remove deletes both CacheEntry files for key. A missing file is not an
// error: callers invoke this from several failure paths, including
// nukeRequestFromCache, where one half may never have been created.
func (s *Store) Remove(key string) error {
	err1 := os.Remove(s.MetaPath(key))
	err2 := os.Remove(s.DataPath(key))
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}

// Keys lists every CacheKey with a metadata sidecar present, derived from
// the metadata-<key> filenames in rootDir. Used by the admin purge-prefix
// endpoint, which has no other index of what is cached.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", s.rootDir, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) <= len(MetaPrefix) || name[:len(MetaPrefix)] != MetaPrefix {
			continue
		}
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		keys = append(keys, name[len(MetaPrefix):])
	}
	return keys, nil
}

// Metadata is the parsed metadata sidecar: an ordered Header Map plus the
// convenience accessors the rest of the pipeline needs.
type Metadata struct {
	*headermap.Map
}

// NewMetadata returns an empty Metadata, ready for system keys and
// origin headers to be Set on it.
func NewMetadata() *Metadata {
	return &Metadata{headermap.New()}
}

// ParseMetadata implements the line-oriented metadata format: pairs are
// read two lines at a time; an empty key line or an incomplete trailing
// pair terminates parsing without error.
func ParseMetadata(r io.Reader) (*Metadata, error) {
	m := headermap.New()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if !sc.Scan() {
			break
		}
		key := sc.Text()
		if key == "" {
			break
		}
		if !sc.Scan() {
			break
		}
		value := sc.Text()
		m.Set(key, value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return &Metadata{m}, nil
}

// IsValidEntry reports whether m carries every required key and its
// normalized ETag equals key.
func (m *Metadata) IsValidEntry(key string) bool {
	for _, k := range RequiredKeys {
		if !m.Has(k) {
			return false
		}
	}
	etag, ok := m.Get(HeaderETag)
	if !ok {
		return false
	}
	normalized, _, err := NormalizeETag(etag)
	return err == nil && normalized == key
}
