// Package governance runs the scheduled rebalance and the emergency
// adjustment through their gates, the index pipeline and divisor continuity.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/consensus"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/providers"
	"github.com/sawpanic/ares/internal/secrets"
	"github.com/sawpanic/ares/internal/store"
	"github.com/sawpanic/ares/internal/store/memory"
)

// RunIDLayout formats run ids from the run's UTC start time.
const RunIDLayout = "2006-01-02T15-04Z"

// Run paths, used for logging and metrics labels.
const (
	PathScheduled = "scheduled"
	PathEmergency = "emergency"
	PathValue     = "value"
)

// Outcome is the non-error result of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
)

// Fetcher acquires one provider snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, runID string) (*providers.FetchResult, error)
}

// Valuer prices constituents at current market caps.
type Valuer interface {
	Price(ctx context.Context, constituents []domain.RankedConstituent) ([]domain.ValuedConstituent, error)
}

// Exporter publishes dashboard files after each valuation.
type Exporter interface {
	Export(history []domain.IndexHistoryPoint, valued []domain.ValuedConstituent, asOf time.Time) error
	MaxPoints() int
}

// Deps wires an Engine. Dashboard and Metrics are optional. RunGuard
// defaults to an in-process claim; share one across hosts.
type Deps struct {
	Config     *config.EngineConfig
	Fetcher    Fetcher
	Valuer     Valuer
	State      store.StateStore
	Exclusions store.ExclusionStore
	Artifacts  store.ArtifactStore
	Locker     store.Locker
	RunGuard   store.Locker
	Env        *secrets.Env
	Metrics    *metrics.Registry
	Dashboard  Exporter
	Now        func() time.Time
}

// Engine is the rebalance governance state machine.
type Engine struct {
	cfg        *config.EngineConfig
	fetcher    Fetcher
	valuer     Valuer
	state      store.StateStore
	exclusions store.ExclusionStore
	artifacts  store.ArtifactStore
	locker     store.Locker
	guard      store.Locker
	env        *secrets.Env
	metrics    *metrics.Registry
	dashboard  Exporter
	now        func() time.Time
	resolver   *consensus.Resolver
}

// Report summarizes a finished run.
type Report struct {
	RunID          string                     `json:"run_id"`
	Path           string                     `json:"path"`
	Outcome        Outcome                    `json:"outcome"`
	ProviderStatus map[string]string          `json:"provider_status,omitempty"`
	Excluded       map[string]string          `json:"excluded,omitempty"`
	Portfolio      []domain.RankedConstituent `json:"portfolio,omitempty"`
	State          *domain.IndexState         `json:"state,omitempty"`
	Point          *domain.IndexHistoryPoint  `json:"point,omitempty"`
	NextAllowedAt  *time.Time                 `json:"next_allowed_at,omitempty"`
}

// NewEngine validates deps and builds an engine.
func NewEngine(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("governance: config is required")
	case d.Valuer == nil:
		return nil, errors.New("governance: valuer is required")
	case d.State == nil:
		return nil, errors.New("governance: state store is required")
	case d.Env == nil:
		return nil, errors.New("governance: environment is required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RunGuard == nil {
		d.RunGuard = memory.NewLocker()
	}
	return &Engine{
		cfg:        d.Config,
		fetcher:    d.Fetcher,
		valuer:     d.Valuer,
		state:      d.State,
		exclusions: d.Exclusions,
		artifacts:  d.Artifacts,
		locker:     d.Locker,
		guard:      d.RunGuard,
		env:        d.Env,
		metrics:    d.Metrics,
		dashboard:  d.Dashboard,
		now:        d.Now,
		resolver: consensus.NewResolver(consensus.Config{
			Quorum:           d.Config.Ares.Quorum,
			TolerancePercent: d.Config.Ares.TolerancePercent,
		}),
	}, nil
}

// RunID derives the run id from its start time.
func RunID(t time.Time) string {
	return t.UTC().Format(RunIDLayout)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

func (e *Engine) requirePipeline() error {
	if e.fetcher == nil || e.exclusions == nil || e.artifacts == nil {
		return domain.ConfigurationError("governance", domain.ErrInvalidConfig,
			"pipeline runs need a fetcher, exclusion store and artifact store")
	}
	return nil
}

// claimRun takes the single-writer claim shared by the scheduled and
// emergency paths. The returned func drops it.
func (e *Engine) claimRun(ctx context.Context, path, runID string, now time.Time) (func(), error) {
	claim := domain.RebalanceLock{
		RunID:         path + "/" + runID + "/" + uuid.NewString(),
		RebalancedAt:  now,
		NextAllowedAt: now.Add(e.cfg.Governance.LockLease()),
		State:         domain.LockPending,
	}
	if err := e.guard.Acquire(ctx, claim, now); err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("claim governance run: %w", err)
		}
		owner := "another run"
		if held, herr := e.guard.Current(ctx); herr == nil && held != nil {
			owner = held.RunID
		}
		return nil, domain.GovernanceViolation(path, domain.ErrRunInProgress,
			"retry once the running rebalance or adjustment finishes",
			"%s is still writing index state", owner)
	}

	return func() {
		if err := e.guard.Release(context.WithoutCancel(ctx), claim.RunID); err != nil {
			log.Error().Err(err).Str("claim", claim.RunID).Msg("Failed to release governance run claim")
		}
	}, nil
}

func (e *Engine) finish(path string, err error, at time.Time) {
	outcome := string(OutcomeCompleted)
	if err != nil {
		outcome = domain.KindOf(err).String()
	}
	e.metrics.RecordRun(path, outcome, at)
}

// Status is a read-only view of the governance state.
type Status struct {
	State         *domain.IndexState        `json:"state"`
	Lock          *domain.RebalanceLock     `json:"rebalance_lock"`
	EmergencyLock *domain.EmergencyLock     `json:"emergency_lock"`
	LastPoint     *domain.IndexHistoryPoint `json:"last_point"`
	Portfolio     *domain.Portfolio         `json:"portfolio"`
}

// Status loads the persisted state without changing it.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	var (
		st  Status
		err error
	)
	if st.State, err = e.state.LoadIndexState(ctx); err != nil {
		return nil, fmt.Errorf("load index state: %w", err)
	}
	if st.LastPoint, err = e.state.LastHistoryPoint(ctx); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if st.EmergencyLock, err = e.state.LoadEmergencyLock(ctx); err != nil {
		return nil, fmt.Errorf("load emergency lock: %w", err)
	}
	if st.Portfolio, err = e.state.LoadPortfolio(ctx); err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	if e.locker != nil {
		if st.Lock, err = e.locker.Current(ctx); err != nil {
			return nil, fmt.Errorf("load rebalance lock: %w", err)
		}
	}
	return &st, nil
}

// Unlock deletes the rebalance lock. This is the manual override for the
// cooldown and for a claim left behind by a dead run.
func (e *Engine) Unlock(ctx context.Context) (*domain.RebalanceLock, error) {
	if e.locker == nil {
		return nil, domain.ConfigurationError("unlock", domain.ErrInvalidConfig, "no lock backend configured")
	}
	held, err := e.locker.Current(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.locker.Clear(ctx); err != nil {
		return nil, err
	}
	if held != nil {
		log.Warn().
			Str("run_id", held.RunID).
			Str("state", string(held.State)).
			Time("next_allowed_at", held.NextAllowedAt).
			Msg("Rebalance lock removed by operator")
	}
	return held, nil
}
