package governance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/divisor"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
)

// Value prices the committed portfolio and appends one history point. The
// divisor is only created here when no state exists yet.
func (e *Engine) Value(ctx context.Context) (report *Report, err error) {
	now := e.clock()
	defer func() { e.finish(PathValue, err, now) }()

	portfolio, err := e.state.LoadPortfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	if portfolio == nil || len(portfolio.Constituents) == 0 {
		return nil, domain.IntegrityError("value", domain.ErrNoPortfolio, "run a rebalance first")
	}

	timer := e.metrics.StartStepTimer(metrics.StepValuation)
	valued, err := e.valuer.Price(ctx, portfolio.Constituents)
	if err != nil {
		timer.Stop(metrics.ResultError)
		e.metrics.RecordPipelineError(metrics.StepValuation, domain.KindOf(err).String())
		return nil, err
	}
	timer.Stop(metrics.ResultSuccess)

	raw, err := divisor.RawValue(valued)
	if err != nil {
		return nil, err
	}

	state, err := e.state.LoadIndexState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index state: %w", err)
	}

	var point domain.IndexHistoryPoint
	if state == nil {
		launched, p, err := divisor.Launch(raw, e.cfg.Index.BaseValue, now)
		if err != nil {
			return nil, err
		}
		if err := e.state.SaveIndexState(ctx, launched); err != nil {
			return nil, fmt.Errorf("save index state: %w", err)
		}
		state, point = &launched, p
	} else if point, err = divisor.Value(raw, *state, now); err != nil {
		return nil, err
	}

	if err := e.state.AppendHistory(ctx, point); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}
	e.metrics.RecordIndex(point.RawValue, point.IndexValue, state.Divisor)
	e.export(ctx, valued, now)

	log.Info().
		Float64("raw_value", raw).
		Float64("index_value", point.IndexValue).
		Msg("Index valued")

	return &Report{
		RunID:     portfolio.RunID,
		Path:      PathValue,
		Outcome:   OutcomeCompleted,
		Portfolio: portfolio.Constituents,
		State:     state,
		Point:     &point,
	}, nil
}
