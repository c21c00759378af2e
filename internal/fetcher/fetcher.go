package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/logging"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

type Options struct {
	// BaseURL of the archive host, e.g. https://codeload.github.com.
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Progress bool
	Logger   *log.Logger
}

// HTTPFetcher downloads source tarballs from the code host into a Store.
type HTTPFetcher struct {
	client   *http.Client
	store    domain.Store
	baseURL  string
	token    string
	progress bool
	logger   *log.Logger
}

func New(store domain.Store, opts Options) *HTTPFetcher {
	return &HTTPFetcher{
		// The default client follows up to ten redirects.
		client:   &http.Client{Timeout: opts.Timeout},
		store:    store,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		progress: opts.Progress,
		logger:   logging.OrDiscard(opts.Logger),
	}
}

// ArchiveURL builds the tarball URL for d: revision-pinned when a commit is
// known, otherwise the tip of the named branch.
func ArchiveURL(baseURL string, d domain.Descriptor) string {
	ref := "refs/heads/" + d.Branch
	if d.Revision != "" {
		ref = d.Revision
	}
	return fmt.Sprintf("%s/%s/%s/tar.gz/%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(d.Owner), url.PathEscape(d.Repository), escapeRef(ref))
}

// escapeRef escapes each segment of a ref so branch names such as "fix#1"
// stay in the path.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, d domain.Descriptor) domain.FetchResult {
	if err := d.Validate(); err != nil {
		f.logger.Error("skipping download", "role", d.String(), "err", err)
		return domain.FetchResult{Descriptor: d, Error: err}
	}

	if f.store.Has(d) {
		path := f.store.Path(d)
		f.logger.Debug("skipping download for existing file", "path", path)
		return domain.FetchResult{Descriptor: d, Path: path, Cached: true}
	}

	archiveURL := ArchiveURL(f.baseURL, d)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return domain.FetchResult{Descriptor: d, Error: err}
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("error fetching", "url", archiveURL, "err", err)
		return domain.FetchResult{Descriptor: d, Error: fmt.Errorf("fetching %s: %w", archiveURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Error("error fetching", "status", resp.StatusCode, "url", archiveURL)
		return domain.FetchResult{
			Descriptor: d,
			Error:      fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode, archiveURL),
		}
	}

	var body io.Reader = resp.Body
	if f.progress {
		bar := progressbar.DefaultBytes(
			resp.ContentLength,
			fmt.Sprintf("Downloading %s/%s", d.Owner, d.Repository),
		)
		defer bar.Close()
		body = io.TeeReader(resp.Body, bar)
	}

	// net/http reports a body shorter than Content-Length as
	// io.ErrUnexpectedEOF, which makes Put discard the temp file.
	path, n, err := f.store.Put(d, body)
	if err != nil {
		f.logger.Error("error saving archive", "url", archiveURL, "err", err)
		return domain.FetchResult{Descriptor: d, Error: err}
	}

	f.logger.Debug("downloaded", "role", d.String(), "bytes", n, "path", path)
	return domain.FetchResult{Descriptor: d, Path: path, Size: n}
}
