package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/logging"
)

var (
	ErrPageFailed = errors.New("listing page failed")
	ErrPageLoop   = errors.New("listing pagination loops")
)

type Options struct {
	// BaseURL is the API root, e.g. https://galaxy.ansible.com/api/v1.
	BaseURL  string
	Token    string
	Timeout  time.Duration
	MaxPages int
	Logger   *log.Logger
}

// GalaxyRegistry walks the paginated role search of an Ansible Galaxy v1 API.
type GalaxyRegistry struct {
	client   *http.Client
	base     *url.URL
	token    string
	maxPages int
	logger   *log.Logger
}

func New(opts Options) (*GalaxyRegistry, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	return &GalaxyRegistry{
		client:   &http.Client{Timeout: opts.Timeout},
		base:     base,
		token:    opts.Token,
		maxPages: opts.MaxPages,
		logger:   logging.OrDiscard(opts.Logger),
	}, nil
}

// Crawl follows the "next" pointers starting at path and returns every
// descriptor seen, in server order. onPage, when set, runs after each page is
// parsed and before the next one is requested.
//
// A failing page ends the crawl: the descriptors gathered so far are returned
// along with an error wrapping ErrPageFailed.
func (g *GalaxyRegistry) Crawl(ctx context.Context, path string, onPage domain.PageFunc) ([]domain.Descriptor, error) {
	var roles []domain.Descriptor
	visited := make(map[string]bool)

	for pages := 0; path != ""; pages++ {
		if g.maxPages > 0 && pages >= g.maxPages {
			g.logger.Warn("page limit reached", "pages", pages, "next", path)
			break
		}

		pageURL, err := g.resolve(path)
		if err != nil {
			g.logger.Error("error fetching", "path", path, "err", err)
			return roles, fmt.Errorf("%w: %s: %v", ErrPageFailed, path, err)
		}
		if visited[pageURL] {
			g.logger.Error("next page already visited", "url", pageURL)
			return roles, fmt.Errorf("%w: %s", ErrPageLoop, pageURL)
		}
		visited[pageURL] = true

		page, err := g.fetchPage(ctx, pageURL)
		if err != nil {
			g.logger.Error("error fetching", "url", pageURL, "err", err)
			return roles, fmt.Errorf("%w: %s: %v", ErrPageFailed, pageURL, err)
		}

		roles = append(roles, page.Results...)
		g.logger.Debug("page", "url", pageURL, "results", len(page.Results), "total", len(roles))

		if onPage != nil && len(page.Results) > 0 {
			onPage(ctx, page.Results)
		}

		path = page.NextPath()
	}

	return roles, nil
}

func (g *GalaxyRegistry) fetchPage(ctx context.Context, pageURL string) (*domain.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "galaxy-ingest")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var page domain.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return &page, nil
}

// resolve turns a listing pointer into an absolute URL. Galaxy hands out
// "next" relative to the API root ("/search/roles/?page=2"), but absolute
// URLs and host-relative paths that already include the API prefix are
// accepted as well.
func (g *GalaxyRegistry) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}

	u := *g.base
	u.RawQuery = ref.RawQuery
	prefix := strings.TrimRight(g.base.Path, "/")
	if prefix != "" && (ref.Path == prefix || strings.HasPrefix(ref.Path, prefix+"/")) {
		u.Path = ref.Path
	} else {
		u.Path = prefix + "/" + strings.TrimLeft(ref.Path, "/")
	}
	u.RawPath = ""

	return u.String(), nil
}
