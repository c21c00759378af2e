package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

const archiveExt = ".tar.gz"

// DiskCache keeps downloaded archives under one flat directory, one file per
// descriptor. File existence is the only record of a completed download.
type DiskCache struct {
	sync.RWMutex
	dir string
}

func New(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return &DiskCache{dir: dir}, nil
}

func (c *DiskCache) Dir() string {
	return c.dir
}

// Path returns the archive file for d, or "" when d's fields would not form a
// single file name inside the cache directory.
func (c *DiskCache) Path(d domain.Descriptor) string {
	if d.Validate() != nil {
		return ""
	}
	return filepath.Join(c.dir, d.CacheKey()+archiveExt)
}

func (c *DiskCache) Has(d domain.Descriptor) bool {
	path := c.Path(d)
	if path == "" {
		return false
	}

	c.RLock()
	defer c.RUnlock()
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Put streams r into a temporary sibling of the final path and renames it into
// place once fully written. On any error the temporary file is removed and the
// final path is left untouched.
func (c *DiskCache) Put(d domain.Descriptor, r io.Reader) (string, int64, error) {
	if err := d.Validate(); err != nil {
		return "", 0, err
	}
	dst := c.Path(d)

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(c.dir, tmpPrefix(dst))
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return "", n, fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", n, err
	}
	if err := tmp.Close(); err != nil {
		return "", n, err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", n, err
	}

	// Distinct descriptors never share a path, so only the rename itself needs
	// to be ordered against readers.
	c.Lock()
	err = os.Rename(tmpName, dst)
	c.Unlock()
	if err != nil {
		return "", n, err
	}
	committed = true

	return dst, n, nil
}

func (c *DiskCache) Remove(d domain.Descriptor) error {
	path := c.Path(d)
	if path == "" {
		return nil
	}

	c.Lock()
	defer c.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the cached archive paths in lexical order.
func (c *DiskCache) List() ([]string, error) {
	c.RLock()
	defer c.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || isTemp(e.Name()) || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		paths = append(paths, filepath.Join(c.dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Sweep deletes temporary files left behind by an interrupted download.
func (c *DiskCache) Sweep() (int, error) {
	c.Lock()
	defer c.Unlock()

	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var removed int
	for _, e := range entries {
		if e.IsDir() || !isTemp(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *DiskCache) Size() (int64, error) {
	c.RLock()
	defer c.RUnlock()

	var size int64

	err := filepath.Walk(c.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && !isTemp(info.Name()) {
			size += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}

	return size, err
}

func (c *DiskCache) Clear() error {
	c.Lock()
	defer c.Unlock()

	return os.RemoveAll(c.dir)
}

func tmpPrefix(dst string) string {
	return "." + filepath.Base(dst) + ".tmp-"
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, archiveExt+".tmp-")
}
