package extractor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

var (
	ErrArchiveMissing = errors.New("archive not cached")
	ErrStructure      = errors.New("unexpected archive layout")
	ErrInvalidOwner   = errors.New("invalid owner")
)

// Extractor unpacks cached role archives into <dataDir>/<owner>/<root>.
type Extractor struct {
	tar     *TARExtractor
	store   domain.Store
	dataDir string
	locks   *keyedMutex
}

func New(store domain.Store, dataDir string) *Extractor {
	return &Extractor{
		tar:     NewTAR(),
		store:   store,
		dataDir: dataDir,
		locks:   newKeyedMutex(),
	}
}

// Destination returns the directory archives of d's owner are unpacked into.
func (e *Extractor) Destination(d domain.Descriptor) (string, error) {
	if !domain.SafeName(d.Owner) {
		return "", fmt.Errorf("%w: %q", ErrInvalidOwner, d.Owner)
	}
	return filepath.Join(e.dataDir, d.Owner), nil
}

// Extract replaces any previous tree of d with the contents of its cached
// archive. The archive layout is validated before anything on disk changes;
// a failure while unpacking leaves a partial tree behind.
func (e *Extractor) Extract(d domain.Descriptor, begin func(domain.ExtractResult) error) (domain.ExtractResult, error) {
	res := domain.ExtractResult{Descriptor: d}

	if err := d.Validate(); err != nil {
		return res, err
	}
	archive := e.store.Path(d)
	if !e.store.Has(d) {
		return res, fmt.Errorf("%w: %s", ErrArchiveMissing, archive)
	}

	dest, err := e.Destination(d)
	if err != nil {
		return res, err
	}

	root, err := e.tar.Root(archive)
	if err != nil {
		return res, fmt.Errorf("%s: %w", archive, err)
	}
	res.Root = root
	res.Path = filepath.Join(dest, root)

	unlock := e.locks.Lock(dest)
	defer unlock()

	if begin != nil {
		if err := begin(res); err != nil {
			return res, err
		}
	}

	if _, err := os.Lstat(res.Path); err == nil {
		if err := os.RemoveAll(res.Path); err != nil {
			return res, fmt.Errorf("removing stale tree %s: %w", res.Path, err)
		}
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return res, err
	}

	files, err := e.tar.Extract(archive, dest)
	res.Files = files
	if err != nil {
		return res, fmt.Errorf("extracting %s: %w", archive, err)
	}

	return res, nil
}

// keyedMutex serializes work per destination directory.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
