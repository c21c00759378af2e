package manager

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
	"github.com/teamcutter/galaxy-ingest/internal/limiter"
	"github.com/teamcutter/galaxy-ingest/internal/logging"
)

type Options struct {
	StartPath    string
	MaxParallel  int
	CrawlTimeout time.Duration
	// SkipFetch crawls metadata only and extracts whatever is already cached.
	SkipFetch bool
	Logger    *log.Logger
}

// Manager drives one ingestion run: crawl the listing page by page, fetch
// each page's archives with bounded concurrency, then extract everything in
// listing order.
type Manager struct {
	registry  domain.Registry
	fetcher   domain.Fetcher
	store     domain.Store
	extractor domain.Extractor
	state     domain.State
	opts      Options
	logger    *log.Logger
}

func New(
	registry domain.Registry,
	fetcher domain.Fetcher,
	store domain.Store,
	extractor domain.Extractor,
	state domain.State,
	opts Options,
) *Manager {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = limiter.DefaultLimit
	}

	return &Manager{
		registry:  registry,
		fetcher:   fetcher,
		store:     store,
		extractor: extractor,
		state:     state,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
	}
}

type FetchStats struct {
	Downloaded int
	CacheHits  int
	Failed     int
}

type ExtractStats struct {
	Extracted int
	Skipped   int
	Failed    int
}

// Run never fails because of a single page, archive or tree; the returned
// error is reserved for ledger problems that make the run meaningless.
func (m *Manager) Run(ctx context.Context) (*domain.Report, error) {
	start := time.Now()

	if m.opts.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.CrawlTimeout)
		defer cancel()
	}

	if err := m.Prepare(); err != nil {
		return nil, err
	}

	report := &domain.Report{}

	var fetched FetchStats
	var onPage domain.PageFunc
	if !m.opts.SkipFetch {
		onPage = func(ctx context.Context, roles []domain.Descriptor) {
			stats := m.FetchAll(ctx, roles)
			fetched.Downloaded += stats.Downloaded
			fetched.CacheHits += stats.CacheHits
			fetched.Failed += stats.Failed
		}
	}

	roles, err := m.registry.Crawl(ctx, m.opts.StartPath, onPage)
	if err != nil {
		m.logger.Warn("crawl ended early, continuing with partial listing", "roles", len(roles), "err", err)
		report.CrawlErr = err
	}
	report.Descriptors = roles
	report.Downloaded = fetched.Downloaded
	report.CacheHits = fetched.CacheHits
	report.FetchFailed = fetched.Failed

	extracted, err := m.ExtractAll(roles)
	report.Extracted = extracted.Extracted
	report.ExtractSkipped = extracted.Skipped
	report.ExtractFailed = extracted.Failed
	report.Duration = time.Since(start)

	return report, err
}

// Prepare removes what an interrupted previous run left behind: partially
// unpacked trees and half-written downloads.
func (m *Manager) Prepare() error {
	recovered, err := m.state.Recover()
	if err != nil {
		return err
	}
	for _, key := range recovered {
		m.logger.Warn("removed partially extracted tree", "key", key)
	}

	if s, ok := m.store.(interface{ Sweep() (int, error) }); ok {
		n, err := s.Sweep()
		if err != nil {
			return err
		}
		if n > 0 {
			m.logger.Warn("removed incomplete downloads", "count", n)
		}
	}
	return nil
}

// FetchAll downloads the archives of one page. Failures are logged by the
// fetcher and only counted here.
func (m *Manager) FetchAll(ctx context.Context, roles []domain.Descriptor) FetchStats {
	results := make([]domain.FetchResult, len(roles))

	errs := limiter.ForEach(ctx, indexes(len(roles)), m.opts.MaxParallel, func(ctx context.Context, i int) error {
		results[i] = m.fetcher.Fetch(ctx, roles[i])
		return results[i].Error
	})

	stats := FetchStats{Failed: limiter.Failed(errs)}
	for i, err := range errs {
		switch {
		case err != nil:
			if results[i].Error == nil {
				m.logger.Error("fetch not started", "role", roles[i].String(), "err", err)
			}
		case results[i].Cached:
			stats.CacheHits++
		default:
			stats.Downloaded++
		}
	}
	return stats
}

// ExtractAll unpacks every role in order, one at a time.
func (m *Manager) ExtractAll(roles []domain.Descriptor) (ExtractStats, error) {
	var stats ExtractStats

	for _, d := range roles {
		if err := d.Validate(); err != nil {
			m.logger.Warn("skipping extraction for invalid role", "role", d.String(), "err", err)
			stats.Skipped++
			continue
		}
		if !m.store.Has(d) {
			m.logger.Warn("skipping extraction for missing file", "path", m.store.Path(d))
			stats.Skipped++
			continue
		}

		tree := &domain.ExtractedTree{
			Key:        d.CacheKey(),
			Owner:      d.Owner,
			Repository: d.Repository,
			Ref:        d.Ref(),
			Archive:    m.store.Path(d),
		}

		res, err := m.extractor.Extract(d, func(res domain.ExtractResult) error {
			tree.Path = res.Path
			tree.ExtractedAt = time.Now()
			return m.state.Begin(tree)
		})
		if err != nil {
			m.logger.Error("extraction failed", "path", tree.Archive, "err", err)
			stats.Failed++
			continue
		}

		if err := m.state.Complete(tree); err != nil {
			return stats, err
		}
		m.logger.Debug("extracted", "role", d.String(), "path", res.Path, "files", res.Files)
		stats.Extracted++
	}

	if err := m.state.Flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

func IsPartial(r *domain.Report) bool {
	return r != nil && r.CrawlErr != nil && !errors.Is(r.CrawlErr, context.Canceled)
}

func indexes(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
