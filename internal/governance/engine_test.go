package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ares/internal/config"
	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/metrics"
	"github.com/sawpanic/ares/internal/providers"
	"github.com/sawpanic/ares/internal/secrets"
	"github.com/sawpanic/ares/internal/store/memory"
)

var universe = []string{"BTC", "ETH", "SOL", "XRP", "BNB", "ADA", "DOGE", "TRX", "AVAX", "LINK", "DOT", "LTC"}

func marketCaps(scale float64) map[string]float64 {
	caps := make(map[string]float64, len(universe))
	for i, s := range universe {
		caps[s] = float64(1200-100*i) * scale
	}
	return caps
}

type fakeFetcher struct {
	caps  map[string]float64
	err   error
	calls int
	// hook runs inside Fetch, standing in for network latency
	hook func()
}

func (f *fakeFetcher) Fetch(_ context.Context, runID string) (*providers.FetchResult, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	res := &providers.FetchResult{
		Snapshot: make(domain.Snapshot),
		Meta:     providers.SnapshotMeta{RunID: runID, Providers: map[string]string{}},
	}
	for _, p := range []string{providers.CoinGecko, providers.CoinMarketCap, providers.CoinPaprika} {
		for sym, c := range f.caps {
			res.Snapshot[p] = append(res.Snapshot[p], domain.ProviderObservation{Provider: p, Symbol: sym, MarketCap: c, HasMarketCap: true})
		}
		res.Meta.Providers[p] = providers.StatusSuccess
	}
	return res, nil
}

type fakeValuer struct {
	caps map[string]float64
}

func (v *fakeValuer) Price(_ context.Context, cons []domain.RankedConstituent) ([]domain.ValuedConstituent, error) {
	out := make([]domain.ValuedConstituent, 0, len(cons))
	for _, c := range cons {
		mc, ok := v.caps[c.Symbol]
		if !ok {
			return nil, domain.IntegrityError("valuation", domain.ErrUnresolvedSymbol, "%s", c.Symbol)
		}
		out = append(out, domain.ValuedConstituent{RankedConstituent: c, MarketCap: mc})
	}
	return out, nil
}

type harness struct {
	store   *memory.Store
	locker  *memory.Locker
	fetcher *fakeFetcher
	valuer  *fakeValuer
	env     map[string]string
	metrics *metrics.Registry
	now     time.Time
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		locker:  memory.NewLocker(),
		fetcher: &fakeFetcher{caps: marketCaps(1)},
		valuer:  &fakeValuer{caps: marketCaps(1)},
		env:     map[string]string{},
		metrics: metrics.NewRegistry(),
		now:     time.Date(2026, 3, 2, 14, 15, 0, 0, time.UTC),
	}
	eng, err := NewEngine(Deps{
		Config:     config.DefaultEngineConfig(),
		Fetcher:    h.fetcher,
		Valuer:     h.valuer,
		State:      h.store,
		Exclusions: h.store,
		Artifacts:  h.store,
		Locker:     h.locker,
		Env:        secrets.NewEnvFromMap(h.env),
		Metrics:    h.metrics,
		Now:        func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.engine = eng
	return h
}

func symbols(cons []domain.RankedConstituent) []string {
	out := make([]string, 0, len(cons))
	for _, c := range cons {
		out = append(out, c.Symbol)
	}
	return out
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(Deps{})
	assert.Error(t, err)
}

func TestRunID_Format(t *testing.T) {
	assert.Equal(t, "2026-03-02T14-15Z", RunID(time.Date(2026, 3, 2, 14, 15, 42, 0, time.UTC)))
}

func TestScheduledRebalance_SkipsUnsafeMinute(t *testing.T) {
	for _, minute := range []int{0, 30} {
		h := newHarness(t)
		h.now = time.Date(2026, 3, 2, 14, minute, 0, 0, time.UTC)
		h.env[secrets.ManualRebalanceEnv] = "1"

		rep, err := h.engine.ScheduledRebalance(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, rep.Outcome)
		assert.Zero(t, h.fetcher.calls)

		lock, err := h.locker.Current(context.Background())
		require.NoError(t, err)
		assert.Nil(t, lock)
	}
}

func TestScheduledRebalance_OutsideWindow(t *testing.T) {
	h := newHarness(t)
	h.now = time.Date(2026, 3, 2, 16, 15, 0, 0, time.UTC)

	_, err := h.engine.ScheduledRebalance(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOutsideWindow)
	assert.True(t, domain.IsKind(err, domain.KindGovernance))
	assert.Contains(t, err.Error(), secrets.ManualRebalanceEnv)
	assert.Zero(t, h.fetcher.calls)

	h.env[secrets.ManualRebalanceEnv] = "1"
	rep, err := h.engine.ScheduledRebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rep.Outcome)
}

func TestScheduledRebalance_LaunchAndCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rep, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T14-15Z", rep.RunID)
	assert.Equal(t, universe[:10], symbols(rep.Portfolio))

	// 0.30*1200 + 0.22*1100 + 0.06*(1000+...+300)
	assert.InDelta(t, 914.0, rep.Point.RawValue, 1e-9)
	assert.Equal(t, 1000.0, rep.Point.IndexValue)
	assert.InDelta(t, 0.914, rep.State.Divisor, 1e-12)

	lock, err := h.locker.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, domain.LockCommitted, lock.State)
	assert.Equal(t, h.now.Add(14*24*time.Hour), lock.NextAllowedAt)

	p, err := h.store.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, rep.RunID, p.RunID)

	for _, name := range []string{ArtifactSnapshotMeta, ArtifactSnapshot, ArtifactConsensus, ArtifactExcluded, ArtifactPortfolio, ArtifactValuation} {
		_, ok := h.store.Artifact(rep.RunID, name)
		assert.True(t, ok, name)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Runs.WithLabelValues(PathScheduled, string(OutcomeCompleted))))
}

func TestScheduledRebalance_CooldownThenReanchor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)

	h.now = h.now.Add(24 * time.Hour)
	_, err = h.engine.ScheduledRebalance(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.True(t, domain.IsKind(err, domain.KindGovernance))

	h.now = time.Date(2026, 3, 17, 14, 15, 0, 0, time.UTC)
	h.fetcher.caps = marketCaps(1)
	h.fetcher.caps["LTC"] = 5000
	h.valuer.caps = marketCaps(1.1)
	h.valuer.caps["LTC"] = 5500

	rep, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "LTC", rep.Portfolio[0].Symbol)
	assert.Equal(t, 1000.0, rep.Point.IndexValue, "re-anchor keeps the index level")
	assert.InDelta(t, rep.Point.RawValue/1000.0, rep.State.Divisor, 1e-12)
	require.NotNil(t, rep.State.LastRebalanceAt)

	hist, err := h.store.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestScheduledRebalance_ConsolidatesOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SaveExclusions(ctx, domain.ExclusionMap{"stablecoins": {"usdt"}}))
	h.store.SetOverrideRaw([]byte("blacklist:\n  - symbol: BTC\n    reason: exploit\n    timestamp: '2026-03-01T00:00:00Z'\n"))

	rep, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)
	assert.NotContains(t, symbols(rep.Portfolio), "BTC")
	assert.Equal(t, "automatic", rep.Excluded["BTC"])

	excl, err := h.store.LoadExclusions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"btc"}, excl["non_utility"])
	assert.Equal(t, []string{"usdt"}, excl["stablecoins"])

	raw, ok, err := h.store.LoadOverrideRaw(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "blacklist: []\n", string(raw))
}

func TestScheduledRebalance_FailureReleasesClaim(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.fetcher.err = domain.IntegrityError("fetch", domain.ErrNoProviders, "all providers failed")
	_, err := h.engine.ScheduledRebalance(ctx)
	require.ErrorIs(t, err, domain.ErrNoProviders)
	lock, err := h.locker.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)

	h = newHarness(t)
	delete(h.fetcher.caps, "LTC")
	delete(h.fetcher.caps, "DOT")
	delete(h.fetcher.caps, "LINK")
	_, err = h.engine.ScheduledRebalance(ctx)
	require.ErrorIs(t, err, domain.ErrInsufficientEligible)
	lock, err = h.locker.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)

	state, err := h.store.LoadIndexState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state, "no state written on a failed run")
}

func TestScheduledRebalance_UnresolvedValuationAborts(t *testing.T) {
	h := newHarness(t)
	delete(h.valuer.caps, "ETH")

	_, err := h.engine.ScheduledRebalance(context.Background())
	require.ErrorIs(t, err, domain.ErrUnresolvedSymbol)

	p, err := h.store.LoadPortfolio(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)
}

const overrideBTC = "blacklist:\n  - symbol: BTC\n    reason: exploit\n    timestamp: '2026-03-01T00:00:00Z'\n"

func TestEmergencyAdjustment_RequiresApproval(t *testing.T) {
	h := newHarness(t)
	h.store.SetOverrideRaw([]byte(overrideBTC))

	_, err := h.engine.EmergencyAdjustment(context.Background())
	require.ErrorIs(t, err, domain.ErrApprovalMissing)
	assert.Contains(t, err.Error(), secrets.EmergencyApprovalEnv)

	h.env[secrets.EmergencyApprovalEnv] = "true"
	_, err = h.engine.EmergencyAdjustment(context.Background())
	require.ErrorIs(t, err, domain.ErrApprovalMissing)
	assert.Zero(t, h.fetcher.calls)
}

func TestEmergencyAdjustment_ValidatesOverride(t *testing.T) {
	cases := map[string]string{
		"empty list":      "blacklist: []\n",
		"missing reason":  "blacklist:\n  - symbol: BTC\n    timestamp: x\n",
		"not a list":      "blacklist: BTC\n",
		"missing section": "other: 1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.env[secrets.EmergencyApprovalEnv] = "1"
			h.store.SetOverrideRaw([]byte(raw))

			_, err := h.engine.EmergencyAdjustment(context.Background())
			require.ErrorIs(t, err, domain.ErrMalformedOverride)
			assert.True(t, domain.IsKind(err, domain.KindDataIntegrity))
		})
	}

	h := newHarness(t)
	h.env[secrets.EmergencyApprovalEnv] = "1"
	_, err := h.engine.EmergencyAdjustment(context.Background())
	require.ErrorIs(t, err, domain.ErrMalformedOverride)
}

func TestEmergencyAdjustment_IdempotentOnUnchangedOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.env[secrets.EmergencyApprovalEnv] = "1"
	h.store.SetOverrideRaw([]byte(overrideBTC))

	rep, err := h.engine.EmergencyAdjustment(ctx)
	require.NoError(t, err)
	assert.NotContains(t, symbols(rep.Portfolio), "BTC")
	assert.Equal(t, "human_override", rep.Excluded["BTC"])

	h.now = h.now.Add(time.Hour)
	_, err = h.engine.EmergencyAdjustment(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoOverrideChange)
	assert.True(t, domain.IsKind(err, domain.KindGovernance))

	h.store.SetOverrideRaw([]byte(overrideBTC + "  - symbol: ETH\n    reason: depeg\n    timestamp: '2026-03-02T00:00:00Z'\n"))
	rep, err = h.engine.EmergencyAdjustment(ctx)
	require.NoError(t, err)
	assert.NotContains(t, symbols(rep.Portfolio), "ETH")
	assert.Equal(t, 1000.0, rep.Point.IndexValue)

	events, err := h.store.AuditEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AuditEventEmergency, events[1].Type)
	assert.Equal(t, []string{"BTC", "ETH"}, events[1].AffectedSymbols)
	assert.NotEqual(t, events[0].ID, events[1].ID)

	lock, err := h.store.LoadEmergencyLock(ctx)
	require.NoError(t, err)
	assert.Equal(t, events[1].OverrideHash, lock.OverrideHash)

	raw, _, err := h.store.LoadOverrideRaw(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ETH", "emergency path keeps the blacklist")

	held, err := h.locker.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, held, "emergency path never takes the rebalance lock")
}

func TestEmergencyAdjustment_ConcurrentRunsHaveSingleWriter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.env[secrets.EmergencyApprovalEnv] = "1"
	h.env[secrets.ManualRebalanceEnv] = "1"
	h.store.SetOverrideRaw([]byte(overrideBTC))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	h.fetcher.hook = func() {
		close(entered)
		<-proceed
	}

	type result struct {
		rep *Report
		err error
	}
	first := make(chan result, 1)
	go func() {
		rep, err := h.engine.EmergencyAdjustment(ctx)
		first <- result{rep, err}
	}()
	<-entered

	_, err := h.engine.EmergencyAdjustment(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.True(t, domain.IsKind(err, domain.KindGovernance))

	_, err = h.engine.ScheduledRebalance(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(proceed)
	res := <-first
	require.NoError(t, res.err)
	assert.NotContains(t, symbols(res.rep.Portfolio), "BTC")
	assert.Equal(t, 1, h.fetcher.calls)

	events, err := h.store.AuditEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	hist, err := h.store.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	held, err := h.locker.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, held, "rejected scheduled run never claimed the rebalance lock")

	h.fetcher.hook = nil
	_, err = h.engine.EmergencyAdjustment(ctx)
	assert.ErrorIs(t, err, domain.ErrNoOverrideChange, "claim is released once the run finishes")
}

func TestEmergencyAdjustment_LowercaseBlacklistIsCaseSensitive(t *testing.T) {
	h := newHarness(t)
	h.env[secrets.EmergencyApprovalEnv] = "1"
	h.store.SetOverrideRaw([]byte("blacklist:\n  - symbol: btc\n    reason: typo\n    timestamp: x\n"))

	rep, err := h.engine.EmergencyAdjustment(context.Background())
	require.NoError(t, err)
	assert.Contains(t, symbols(rep.Portfolio), "BTC")
}

func TestValue_RequiresPortfolio(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Value(context.Background())
	require.ErrorIs(t, err, domain.ErrNoPortfolio)
}

func TestValue_TracksMarketWithoutMovingDivisor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)

	h.now = h.now.Add(30 * time.Minute)
	h.valuer.caps = marketCaps(2)
	rep, err := h.engine.Value(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, rep.Point.IndexValue, 1e-9)
	assert.InDelta(t, 0.914, rep.State.Divisor, 1e-12)

	hist, err := h.store.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestStatusAndUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ScheduledRebalance(ctx)
	require.NoError(t, err)

	st, err := h.engine.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Lock)
	require.NotNil(t, st.State)
	require.NotNil(t, st.LastPoint)
	assert.Nil(t, st.EmergencyLock)

	held, err := h.engine.Unlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, held)

	h.now = h.now.Add(time.Hour)
	_, err = h.engine.ScheduledRebalance(ctx)
	assert.False(t, errors.Is(err, domain.ErrLockHeld))
}
