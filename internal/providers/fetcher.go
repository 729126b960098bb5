package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
)

const defaultFetchTimeout = 30 * time.Second

// StatusSuccess marks a provider that returned a listing.
const StatusSuccess = "success"

// SnapshotMeta records per-provider outcomes of one acquisition.
type SnapshotMeta struct {
	RunID     string            `json:"run_id"`
	Providers map[string]string `json:"providers"`
}

// FetchResult is the outcome of one concurrent acquisition.
type FetchResult struct {
	Snapshot domain.Snapshot
	Meta     SnapshotMeta
	Errors   map[string]error
}

// Fetcher fans out to every source concurrently. A failing provider is
// recorded and left out of the snapshot; it never fails the others.
type Fetcher struct {
	sources  []Source
	timeouts map[string]time.Duration
	metrics  *metrics.Registry
}

// NewFetcher builds a fetcher. timeouts is keyed by source name; sources
// without an entry use a 30s budget.
func NewFetcher(sources []Source, timeouts map[string]time.Duration, m *metrics.Registry) *Fetcher {
	return &Fetcher{sources: sources, timeouts: timeouts, metrics: m}
}

// Fetch acquires every provider listing. It only fails when no provider
// returned data.
func (f *Fetcher) Fetch(ctx context.Context, runID string) (*FetchResult, error) {
	res := &FetchResult{
		Snapshot: make(domain.Snapshot),
		Meta:     SnapshotMeta{RunID: runID, Providers: make(map[string]string)},
		Errors:   make(map[string]error),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, src := range f.sources {
		g.Go(func() error {
			timeout := f.timeouts[src.Name()]
			if timeout <= 0 {
				timeout = defaultFetchTimeout
			}
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			obs, err := src.Fetch(pctx)
			elapsed := time.Since(start)
			f.metrics.RecordProviderFetch(src.Name(), err == nil, elapsed)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				perr := domain.ProviderError(src.Name(), err)
				res.Errors[src.Name()] = perr
				res.Meta.Providers[src.Name()] = fmt.Sprintf("error: %v", err)
				log.Warn().
					Err(err).
					Str("provider", src.Name()).
					Dur("duration", elapsed).
					Msg("Provider fetch failed")
				return nil
			}
			res.Snapshot[src.Name()] = obs
			res.Meta.Providers[src.Name()] = StatusSuccess
			log.Info().
				Str("provider", src.Name()).
				Int("assets", len(obs)).
				Dur("duration", elapsed).
				Msg("Provider snapshot acquired")
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Snapshot) == 0 {
		names := make([]string, 0, len(res.Errors))
		for n := range res.Errors {
			names = append(names, n)
		}
		sort.Strings(names)
		return res, domain.IntegrityError("fetch", domain.ErrNoProviders, "all providers failed: %v", names)
	}
	return res, nil
}
