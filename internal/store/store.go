// Package store defines the repositories that own persisted index state,
// governance locks, exclusion lists and per-run artifacts.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/ares/internal/domain"
)

// StateStore persists the divisor record, index history, committed
// portfolio, emergency lock and audit log. Load methods return nil, nil
// when nothing has been written yet.
type StateStore interface {
	LoadIndexState(ctx context.Context) (*domain.IndexState, error)
	SaveIndexState(ctx context.Context, state domain.IndexState) error

	AppendHistory(ctx context.Context, point domain.IndexHistoryPoint) error
	LastHistoryPoint(ctx context.Context) (*domain.IndexHistoryPoint, error)
	// History returns points oldest first; limit > 0 keeps only the newest limit points.
	History(ctx context.Context, limit int) ([]domain.IndexHistoryPoint, error)

	SavePortfolio(ctx context.Context, p domain.Portfolio) error
	LoadPortfolio(ctx context.Context) (*domain.Portfolio, error)

	LoadEmergencyLock(ctx context.Context) (*domain.EmergencyLock, error)
	SaveEmergencyLock(ctx context.Context, lock domain.EmergencyLock) error

	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	AuditEvents(ctx context.Context) ([]domain.AuditEvent, error)
}

// Locker guards scheduled rebalances. Acquire is an atomic create-exclusive
// claim; an unexpired lock fails with ErrLockHeld and an expired one is
// replaced atomically.
type Locker interface {
	Acquire(ctx context.Context, lock domain.RebalanceLock, now time.Time) error
	// Commit replaces the pending claim of lock.RunID with lock.
	Commit(ctx context.Context, lock domain.RebalanceLock) error
	// Release drops a pending claim owned by runID. Committed locks are kept.
	Release(ctx context.Context, runID string) error
	Current(ctx context.Context) (*domain.RebalanceLock, error)
	// Clear deletes the lock unconditionally.
	Clear(ctx context.Context) error
}

// ExclusionStore reads and writes the automatic exclusion categories and
// the human override file.
type ExclusionStore interface {
	LoadExclusions(ctx context.Context) (domain.ExclusionMap, error)
	SaveExclusions(ctx context.Context, m domain.ExclusionMap) error
	// LoadOverrideRaw returns the override file bytes and whether it exists.
	LoadOverrideRaw(ctx context.Context) ([]byte, bool, error)
	// ClearOverrides rewrites the override file as an empty blacklist.
	ClearOverrides(ctx context.Context) error
}

// ArtifactStore records intermediate stage outputs of a run.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, runID, name string, v any) error
}

// LockHeld builds the governance violation returned while a lock blocks a run.
func LockHeld(held domain.RebalanceLock) error {
	unblock := fmt.Sprintf("next allowed at %s", held.NextAllowedAt.UTC().Format(time.RFC3339))
	if held.State == domain.LockPending {
		unblock += "; run `ares unlock` if that run is known to be dead"
	} else {
		unblock += "; run `ares unlock` to force a manual override"
	}
	return domain.GovernanceViolation("lock", domain.ErrLockHeld, unblock,
		"rebalance locked by run %s (last rebalance %s)", held.RunID, held.RebalancedAt.UTC().Format(time.RFC3339))
}

// LockNotOwned reports a commit or release against a lock held by another run.
func LockNotOwned(runID string, held *domain.RebalanceLock) error {
	owner := "nobody"
	if held != nil {
		owner = held.RunID
	}
	return domain.GovernanceViolation("lock", domain.ErrLockHeld, "",
		"run %s does not own the rebalance lock (held by %s)", runID, owner)
}
