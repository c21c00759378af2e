package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teamcutter/galaxy-ingest/internal/cache"
	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

func newStore(t *testing.T) *cache.DiskCache {
	t.Helper()
	c, err := cache.New(filepath.Join(t.TempDir(), "downloads"))
	require.NoError(t, err)
	return c
}

func TestArchiveURL(t *testing.T) {
	t.Parallel()

	pinned := domain.Descriptor{Owner: "geerlingguy", Repository: "ansible-role-docker", Revision: "f00d", Branch: "master"}
	require.Equal(t,
		"https://codeload.github.com/geerlingguy/ansible-role-docker/tar.gz/f00d",
		ArchiveURL("https://codeload.github.com/", pinned))

	branch := domain.Descriptor{Owner: "geerlingguy", Repository: "ansible-role-docker", Branch: "master"}
	require.Equal(t,
		"https://codeload.github.com/geerlingguy/ansible-role-docker/tar.gz/refs/heads/master",
		ArchiveURL("https://codeload.github.com", branch))

	hash := domain.Descriptor{Owner: "acme", Repository: "role", Branch: "fix#1"}
	require.Equal(t,
		"https://codeload.github.com/acme/role/tar.gz/refs/heads/fix%231",
		ArchiveURL("https://codeload.github.com", hash))

	nested := domain.Descriptor{Owner: "acme", Repository: "role", Branch: "feature/a b?"}
	require.Equal(t,
		"https://codeload.github.com/acme/role/tar.gz/refs/heads/feature/a%20b%3F",
		ArchiveURL("https://codeload.github.com", nested))
}

func TestFetchBranchWithHashReachesServer(t *testing.T) {
	t.Parallel()

	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte("tarball"))
	}))
	defer srv.Close()

	f := New(newStore(t), Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	res := f.Fetch(context.Background(), domain.Descriptor{Owner: "acme", Repository: "role", Branch: "fix#1"})
	require.NoError(t, res.Error)
	require.Equal(t, "/acme/role/tar.gz/refs/heads/fix#1", path.Load())
}

func TestFetchRejectsUnsafeDescriptor(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tarball"))
	}))
	defer srv.Close()

	f := New(newStore(t), Options{BaseURL: srv.URL, Timeout: 5 * time.Second})
	res := f.Fetch(context.Background(), domain.Descriptor{Owner: "alice", Repository: "../../evil"})
	require.ErrorIs(t, res.Error, domain.ErrInvalidDescriptor)
	require.Empty(t, res.Path)
	require.Zero(t, hits.Load())
}

func TestFetchDownloadsOnceThenHitsCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var auth, path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		auth.Store(r.Header.Get("Authorization"))
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte("tarball"))
	}))
	defer srv.Close()

	store := newStore(t)
	f := New(store, Options{BaseURL: srv.URL, Token: "s3cret", Timeout: 5 * time.Second})
	d := domain.Descriptor{Owner: "acme", Repository: "role", Revision: "abc"}

	first := f.Fetch(context.Background(), d)
	require.NoError(t, first.Error)
	require.False(t, first.Cached)
	require.Equal(t, store.Path(d), first.Path)
	require.EqualValues(t, 7, first.Size)
	require.Equal(t, "Bearer s3cret", auth.Load())
	require.Equal(t, "/acme/role/tar.gz/abc", path.Load())

	second := f.Fetch(context.Background(), d)
	require.NoError(t, second.Error)
	require.True(t, second.Cached)
	require.Equal(t, first.Path, second.Path)

	require.EqualValues(t, 1, hits.Load())
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/acme/role/tar.gz/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/blobs/main.tar.gz", http.StatusFound)
	})
	mux.HandleFunc("/blobs/main.tar.gz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("redirected"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newStore(t)
	f := New(store, Options{BaseURL: srv.URL})
	d := domain.Descriptor{Owner: "acme", Repository: "role", Branch: "main"}

	res := f.Fetch(context.Background(), d)
	require.NoError(t, res.Error)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, "redirected", string(data))
	require.Equal(t, "acme-role-None.tar.gz", filepath.Base(res.Path))
}

func TestFetchNonOKWritesNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	store := newStore(t)
	f := New(store, Options{BaseURL: srv.URL})
	d := domain.Descriptor{Owner: "acme", Repository: "gone", Revision: "abc"}

	res := f.Fetch(context.Background(), d)
	require.ErrorIs(t, res.Error, ErrUnexpectedStatus)
	require.False(t, store.Has(d))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetchTruncatedBodyIsNotCached(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1024))
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	store := newStore(t)
	f := New(store, Options{BaseURL: srv.URL})
	d := domain.Descriptor{Owner: "acme", Repository: "cut", Revision: "abc"}

	res := f.Fetch(context.Background(), d)
	require.Error(t, res.Error)
	require.False(t, store.Has(d))
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := newStore(t)
	f := New(store, Options{BaseURL: url, Timeout: time.Second})

	res := f.Fetch(context.Background(), domain.Descriptor{Owner: "a", Repository: "b", Revision: "c"})
	require.Error(t, res.Error)
	require.Empty(t, res.Path)
}
