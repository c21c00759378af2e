package domain

import (
	"context"
	"io"
)

type Fetcher interface {
	Fetch(ctx context.Context, d Descriptor) FetchResult
}

type Store interface {
	Path(d Descriptor) string
	Has(d Descriptor) bool
	Put(d Descriptor, r io.Reader) (string, int64, error)
	Remove(d Descriptor) error
	Size() (int64, error)
	Clear() error
}

// Extractor unpacks a cached archive. begin, when set, is called once the
// archive is validated and before anything on disk changes.
type Extractor interface {
	Extract(d Descriptor, begin func(ExtractResult) error) (ExtractResult, error)
}

// PageFunc receives the descriptors of one listing page as soon as it is parsed.
type PageFunc func(ctx context.Context, results []Descriptor)

type Registry interface {
	Crawl(ctx context.Context, path string, onPage PageFunc) ([]Descriptor, error)
}

type State interface {
	Begin(tree *ExtractedTree) error
	Complete(tree *ExtractedTree) error
	Remove(key string) error
	List() (map[string]*ExtractedTree, error)
	Recover() ([]string, error)
	Flush() error
	Close() error
}
