package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NoRevision stands in for an absent commit in cache file names.
const NoRevision = "None"

// ErrInvalidDescriptor marks listing entries whose owner, repository or
// revision cannot be used as a single file name component.
var ErrInvalidDescriptor = errors.New("invalid role descriptor")

// Descriptor is one role entry returned by the Galaxy listing API.
type Descriptor struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Owner      string `json:"github_user"`
	Repository string `json:"github_repo"`
	Revision   string `json:"commit"`
	Branch     string `json:"github_branch"`
}

// Ref returns the pinned revision, or the branch when no revision is set.
func (d Descriptor) Ref() string {
	if d.Revision != "" {
		return d.Revision
	}
	return d.Branch
}

// Validate checks the fields that end up in cache and extraction paths.
func (d Descriptor) Validate() error {
	if !SafeName(d.Owner) {
		return fmt.Errorf("%w: owner %q", ErrInvalidDescriptor, d.Owner)
	}
	if !SafeName(d.Repository) {
		return fmt.Errorf("%w: repository %q", ErrInvalidDescriptor, d.Repository)
	}
	if d.Revision != "" && !SafeName(d.Revision) {
		return fmt.Errorf("%w: revision %q", ErrInvalidDescriptor, d.Revision)
	}
	return nil
}

// SafeName reports whether s is a non-empty path component that stays in
// its parent directory.
func SafeName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func (d Descriptor) CacheKey() string {
	rev := d.Revision
	if rev == "" {
		rev = NoRevision
	}
	return fmt.Sprintf("%s-%s-%s", d.Owner, d.Repository, rev)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s@%s", d.Owner, d.Repository, d.Ref())
}

// Page is one response of the paginated listing API.
type Page struct {
	Results []Descriptor `json:"results"`
	Next    *string      `json:"next"`
	Count   int          `json:"count"`
}

// NextPath returns the next page pointer, or "" on the last page.
func (p Page) NextPath() string {
	if p.Next == nil {
		return ""
	}
	return *p.Next
}

type FetchResult struct {
	Descriptor Descriptor
	Path       string
	Size       int64
	Cached     bool
	Error      error
}

type ExtractResult struct {
	Descriptor Descriptor
	Root       string
	Path       string
	Files      int
}

type TreeStatus string

const (
	TreePending   TreeStatus = "pending"
	TreeExtracted TreeStatus = "extracted"
)

// ExtractedTree is the ledger record of one unpacked archive.
type ExtractedTree struct {
	Key         string     `json:"key"`
	Owner       string     `json:"owner"`
	Repository  string     `json:"repository"`
	Ref         string     `json:"ref"`
	Archive     string     `json:"archive"`
	Path        string     `json:"path"`
	Status      TreeStatus `json:"status"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

type Manifest struct {
	Trees map[string]*ExtractedTree `json:"trees"`
}

func NewManifest() *Manifest {
	return &Manifest{Trees: make(map[string]*ExtractedTree)}
}

// Report summarizes one pipeline run.
type Report struct {
	Descriptors    []Descriptor
	Downloaded     int
	CacheHits      int
	FetchFailed    int
	Extracted      int
	ExtractSkipped int
	ExtractFailed  int
	CrawlErr       error
	Duration       time.Duration
}
