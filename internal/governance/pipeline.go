package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/divisor"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/exclusion"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/ranking"
)

// Stage artifact names under the run directory.
const (
	ArtifactSnapshotMeta = "snapshot_meta"
	ArtifactSnapshot     = "snapshot"
	ArtifactConsensus    = "consensus"
	ArtifactExcluded     = "excluded"
	ArtifactPortfolio    = "portfolio"
	ArtifactValuation    = "valuation"
)

type pipelineResult struct {
	providerStatus map[string]string
	excluded       map[string]string
	ranked         []domain.RankedConstituent
}

// runPipeline executes fetch, consensus, exclusion and ranking in order,
// recording each stage output.
func (e *Engine) runPipeline(ctx context.Context, runID string, blacklist []domain.OverrideEntry) (*pipelineResult, error) {
	timer := e.metrics.StartStepTimer(metrics.StepFetch)
	fetched, err := e.fetcher.Fetch(ctx, runID)
	if err != nil {
		timer.Stop(metrics.ResultError)
		e.metrics.RecordPipelineError(metrics.StepFetch, domain.KindOf(err).String())
		return nil, err
	}
	timer.Stop(metrics.ResultSuccess)
	if err := e.put(ctx, runID, ArtifactSnapshotMeta, fetched.Meta); err != nil {
		return nil, err
	}
	if err := e.put(ctx, runID, ArtifactSnapshot, fetched.Snapshot); err != nil {
		return nil, err
	}

	timer = e.metrics.StartStepTimer(metrics.StepConsensus)
	resolved := e.resolver.Resolve(fetched.Snapshot)
	timer.Stop(metrics.ResultSuccess)
	if err := e.put(ctx, runID, ArtifactConsensus, resolved); err != nil {
		return nil, err
	}

	timer = e.metrics.StartStepTimer(metrics.StepExclusion)
	auto, err := e.exclusions.LoadExclusions(ctx)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	kept, removed := exclusion.NewFilter(auto, blacklist).Apply(resolved.Sorted())
	timer.Stop(metrics.ResultSuccess)
	if err := e.put(ctx, runID, ArtifactExcluded, removed); err != nil {
		return nil, err
	}
	e.metrics.SetUniverse(resolved.ActiveProviders, len(kept))

	timer = e.metrics.StartStepTimer(metrics.StepRanking)
	ranked, err := ranking.Rank(kept)
	if err != nil {
		timer.Stop(metrics.ResultError)
		e.metrics.RecordPipelineError(metrics.StepRanking, domain.KindOf(err).String())
		return nil, err
	}
	timer.Stop(metrics.ResultSuccess)
	if err := e.put(ctx, runID, ArtifactPortfolio, ranked); err != nil {
		return nil, err
	}

	log.Info().
		Str("run_id", runID).
		Int("active_providers", resolved.ActiveProviders).
		Int("consensus", len(resolved.Records)).
		Int("excluded", len(removed)).
		Int("eligible", len(kept)).
		Msg("Index pipeline completed")

	return &pipelineResult{providerStatus: fetched.Meta.Providers, excluded: removed, ranked: ranked}, nil
}

// applyContinuity prices the new portfolio and launches or re-anchors the
// divisor, then persists state, history and the committed portfolio.
func (e *Engine) applyContinuity(ctx context.Context, runID string, ranked []domain.RankedConstituent, now time.Time) (domain.IndexState, domain.IndexHistoryPoint, error) {
	timer := e.metrics.StartStepTimer(metrics.StepValuation)
	valued, err := e.valuer.Price(ctx, ranked)
	if err != nil {
		timer.Stop(metrics.ResultError)
		e.metrics.RecordPipelineError(metrics.StepValuation, domain.KindOf(err).String())
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}
	timer.Stop(metrics.ResultSuccess)
	if e.artifacts != nil {
		if err := e.put(ctx, runID, ArtifactValuation, valued); err != nil {
			return domain.IndexState{}, domain.IndexHistoryPoint{}, err
		}
	}

	timer = e.metrics.StartStepTimer(metrics.StepContinuity)
	raw, err := divisor.RawValue(valued)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}

	current, err := e.state.LoadIndexState(ctx)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return domain.IndexState{}, domain.IndexHistoryPoint{}, fmt.Errorf("load index state: %w", err)
	}

	var (
		next  domain.IndexState
		point domain.IndexHistoryPoint
	)
	if current == nil {
		next, point, err = divisor.Launch(raw, e.cfg.Index.BaseValue, now)
	} else {
		var last *domain.IndexHistoryPoint
		last, err = e.state.LastHistoryPoint(ctx)
		if err == nil && last == nil {
			err = domain.IntegrityError("continuity", domain.ErrEmptyHistory,
				"index state exists but no history point to re-anchor on")
		}
		if err == nil {
			next, point, err = divisor.Reanchor(*current, raw, last.IndexValue, now)
		}
	}
	if err != nil {
		timer.Stop(metrics.ResultError)
		return domain.IndexState{}, domain.IndexHistoryPoint{}, err
	}
	timer.Stop(metrics.ResultSuccess)

	if err := e.state.SaveIndexState(ctx, next); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, fmt.Errorf("save index state: %w", err)
	}
	if err := e.state.AppendHistory(ctx, point); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, fmt.Errorf("append history: %w", err)
	}
	portfolio := domain.Portfolio{RunID: runID, CreatedAt: now, Constituents: ranked}
	if err := e.state.SavePortfolio(ctx, portfolio); err != nil {
		return domain.IndexState{}, domain.IndexHistoryPoint{}, fmt.Errorf("save portfolio: %w", err)
	}

	e.metrics.RecordIndex(point.RawValue, point.IndexValue, next.Divisor)
	log.Info().
		Str("run_id", runID).
		Float64("raw_value", raw).
		Float64("divisor", next.Divisor).
		Float64("index_value", point.IndexValue).
		Bool("launch", current == nil).
		Msg("Divisor continuity applied")

	e.export(ctx, valued, now)
	return next, point, nil
}

// export refreshes dashboard files. Failures are logged; the history they
// derive from is already persisted.
func (e *Engine) export(ctx context.Context, valued []domain.ValuedConstituent, now time.Time) {
	if e.dashboard == nil {
		return
	}
	history, err := e.state.History(ctx, e.dashboard.MaxPoints())
	if err == nil {
		err = e.dashboard.Export(history, valued, now)
	}
	if err != nil {
		log.Error().Err(err).Msg("Dashboard export failed")
	}
}

func (e *Engine) put(ctx context.Context, runID, name string, v any) error {
	if err := e.artifacts.PutArtifact(ctx, runID, name, v); err != nil {
		return fmt.Errorf("write %s artifact: %w", name, err)
	}
	return nil
}
