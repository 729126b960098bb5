package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/exclusion"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/secrets"
)

// unsafeMinute reports the half-hour marks where the valuation job may be
// writing history concurrently.
func unsafeMinute(t time.Time) bool {
	return t.Minute() == 0 || t.Minute() == 30
}

// checkWindow enforces the UTC rebalance hours unless the manual gate is open.
func (e *Engine) checkWindow(now time.Time) error {
	if e.env.Gate(secrets.ManualRebalanceEnv) {
		log.Warn().Msg("Manual rebalance override enabled, time window bypassed")
		return nil
	}
	g := e.cfg.Governance
	if h := now.Hour(); h < g.RebalanceStartHour || h >= g.RebalanceEndHour {
		return domain.GovernanceViolation("window", domain.ErrOutsideWindow,
			fmt.Sprintf("retry between %02d:00 and %02d:00 UTC or set %s=1", g.RebalanceStartHour, g.RebalanceEndHour, secrets.ManualRebalanceEnv),
			"rebalance allowed only between %02d:00 and %02d:00 UTC, now %s",
			g.RebalanceStartHour, g.RebalanceEndHour, now.Format("15:04"))
	}
	return nil
}

// ScheduledRebalance runs the window gate, lock gate, override
// consolidation, pipeline and continuity, then commits the cooldown lock.
// Any failure after the lock gate releases the pending claim.
func (e *Engine) ScheduledRebalance(ctx context.Context) (report *Report, err error) {
	now := e.clock()

	if unsafeMinute(now) {
		log.Info().Time("now", now).Msg("Unsafe minute (:00 or :30), skipping rebalance")
		e.metrics.RecordRun(PathScheduled, string(OutcomeSkipped), now)
		return &Report{Path: PathScheduled, Outcome: OutcomeSkipped}, nil
	}
	defer func() { e.finish(PathScheduled, err, now) }()

	if e.locker == nil {
		return nil, domain.ConfigurationError("scheduled rebalance", domain.ErrInvalidConfig, "no lock backend configured")
	}
	if err := e.requirePipeline(); err != nil {
		return nil, err
	}
	if err := e.checkWindow(now); err != nil {
		return nil, err
	}

	runID := RunID(now)
	release, err := e.claimRun(ctx, PathScheduled, runID, now)
	if err != nil {
		return nil, err
	}
	defer release()

	claim := domain.RebalanceLock{
		RunID:         runID,
		RebalancedAt:  now,
		NextAllowedAt: now.Add(e.cfg.Governance.LockLease()),
		State:         domain.LockPending,
	}
	if err := e.locker.Acquire(ctx, claim, now); err != nil {
		return nil, err
	}
	log.Info().Str("run_id", runID).Msg("Rebalance lock claimed")

	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := e.locker.Release(context.WithoutCancel(ctx), runID); rerr != nil {
			log.Error().Err(rerr).Str("run_id", runID).Msg("Failed to release rebalance claim")
			return
		}
		log.Warn().Str("run_id", runID).Msg("Rebalance aborted, claim released")
	}()

	if err := e.consolidateOverrides(ctx); err != nil {
		return nil, err
	}

	res, err := e.runPipeline(ctx, runID, nil)
	if err != nil {
		return nil, err
	}

	state, point, err := e.applyContinuity(ctx, runID, res.ranked, now)
	if err != nil {
		return nil, err
	}

	lock := domain.RebalanceLock{
		RunID:         runID,
		RebalancedAt:  now,
		NextAllowedAt: now.Add(e.cfg.Governance.Cooldown()),
		State:         domain.LockCommitted,
	}
	if err := e.locker.Commit(ctx, lock); err != nil {
		return nil, fmt.Errorf("commit rebalance lock: %w", err)
	}
	committed = true
	e.metrics.SetNextRebalance(lock.NextAllowedAt)

	log.Info().
		Str("run_id", runID).
		Time("next_allowed_at", lock.NextAllowedAt).
		Msg("Scheduled rebalance completed")

	return &Report{
		RunID:          runID,
		Path:           PathScheduled,
		Outcome:        OutcomeCompleted,
		ProviderStatus: res.providerStatus,
		Excluded:       res.excluded,
		Portfolio:      res.ranked,
		State:          &state,
		Point:          &point,
		NextAllowedAt:  &lock.NextAllowedAt,
	}, nil
}

// consolidateOverrides moves a non-empty human blacklist into the permanent
// category and clears the blacklist in place.
func (e *Engine) consolidateOverrides(ctx context.Context) error {
	timer := e.metrics.StartStepTimer(metrics.StepConsolidate)

	raw, ok, err := e.exclusions.LoadOverrideRaw(ctx)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return fmt.Errorf("load human override: %w", err)
	}
	if !ok {
		timer.Stop(metrics.ResultSkipped)
		return nil
	}
	doc, err := exclusion.ParseOverrides(raw)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return domain.IntegrityError("consolidate", domain.ErrMalformedOverride, "%v", err)
	}
	if len(doc.Blacklist) == 0 {
		timer.Stop(metrics.ResultSkipped)
		return nil
	}

	auto, err := e.exclusions.LoadExclusions(ctx)
	if err != nil {
		timer.Stop(metrics.ResultError)
		return fmt.Errorf("load exclusions: %w", err)
	}
	merged, moved := exclusion.Consolidate(auto, doc.Blacklist)
	if err := e.exclusions.SaveExclusions(ctx, merged); err != nil {
		timer.Stop(metrics.ResultError)
		return fmt.Errorf("save exclusions: %w", err)
	}
	if err := e.exclusions.ClearOverrides(ctx); err != nil {
		timer.Stop(metrics.ResultError)
		return fmt.Errorf("clear human override: %w", err)
	}
	timer.Stop(metrics.ResultSuccess)

	log.Info().Strs("moved", moved).Msg("Emergency overrides consolidated into permanent exclusions")
	return nil
}
