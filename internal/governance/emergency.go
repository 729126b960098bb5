package governance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/exclusion"
	"github.com/sawpanic/ares/internal/secrets"
)

// EmergencyAdjustment rebuilds the portfolio with the human blacklist
// applied, outside the window and without touching the rebalance lock.
// It refuses to run twice on identical override content.
func (e *Engine) EmergencyAdjustment(ctx context.Context) (report *Report, err error) {
	now := e.clock()
	defer func() { e.finish(PathEmergency, err, now) }()

	if !e.env.Gate(secrets.EmergencyApprovalEnv) {
		return nil, domain.GovernanceViolation("emergency", domain.ErrApprovalMissing,
			fmt.Sprintf("set %s=1", secrets.EmergencyApprovalEnv),
			"emergency adjustment requires explicit approval")
	}
	if err := e.requirePipeline(); err != nil {
		return nil, err
	}

	raw, ok, err := e.exclusions.LoadOverrideRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("load human override: %w", err)
	}
	if !ok {
		return nil, domain.IntegrityError("emergency", domain.ErrMalformedOverride, "human override file is missing")
	}
	entries, err := exclusion.ValidateForEmergency(raw)
	if err != nil {
		return nil, err
	}

	runID := RunID(now)
	release, err := e.claimRun(ctx, PathEmergency, runID, now)
	if err != nil {
		return nil, err
	}
	defer release()

	hash := exclusion.ContentHash(raw)
	last, err := e.state.LoadEmergencyLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("load emergency lock: %w", err)
	}
	if last != nil && last.OverrideHash == hash {
		return nil, domain.GovernanceViolation("emergency", domain.ErrNoOverrideChange,
			"edit human_override.yaml before re-running",
			"override unchanged since %s", last.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	}

	symbols := exclusion.Symbols(entries)
	log.Warn().
		Str("run_id", runID).
		Strs("symbols", symbols).
		Msg("Emergency adjustment approved")

	res, err := e.runPipeline(ctx, runID, entries)
	if err != nil {
		return nil, err
	}
	state, point, err := e.applyContinuity(ctx, runID, res.ranked, now)
	if err != nil {
		return nil, err
	}

	event := domain.AuditEvent{
		ID:              uuid.NewString(),
		Type:            domain.AuditEventEmergency,
		Timestamp:       now,
		RunID:           runID,
		AffectedSymbols: symbols,
		OverrideHash:    hash,
	}
	if err := e.state.AppendAudit(ctx, event); err != nil {
		return nil, fmt.Errorf("append audit event: %w", err)
	}
	if err := e.state.SaveEmergencyLock(ctx, domain.EmergencyLock{OverrideHash: hash, Timestamp: now}); err != nil {
		return nil, fmt.Errorf("save emergency lock: %w", err)
	}

	log.Info().
		Str("run_id", runID).
		Str("audit_id", event.ID).
		Msg("Emergency adjustment completed")

	return &Report{
		RunID:          runID,
		Path:           PathEmergency,
		Outcome:        OutcomeCompleted,
		ProviderStatus: res.providerStatus,
		Excluded:       res.excluded,
		Portfolio:      res.ranked,
		State:          &state,
		Point:          &point,
	}, nil
}
