package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ares/internal/domain"
	atomicio "github.com/sawpanic/ares/internal/io"
	"github.com/sawpanic/ares/internal/store"
)

// Locker implements store.Locker with an O_EXCL lock file. Replacing an
// expired lock goes through a second O_EXCL guard file so only one
// process can take it over.
type Locker struct {
	path  string
	guard string
}

// NewLocker returns a locker using index_data/rebalance.lock under dir.
func NewLocker(dir string) *Locker {
	return newLocker(New(dir).path(RebalanceLockFile))
}

// NewRunGuard returns a locker on index_data/run.lock, the claim every
// state-changing governance run holds while it writes.
func NewRunGuard(dir string) *Locker {
	return newLocker(New(dir).path(RunGuardFile))
}

func newLocker(p string) *Locker {
	return &Locker{path: p, guard: p + ".takeover"}
}

func (l *Locker) read() (*domain.RebalanceLock, error) {
	var lock domain.RebalanceLock
	ok, err := readJSON(l.path, &lock)
	if err != nil || !ok {
		return nil, err
	}
	if lock.State == "" {
		// locks written before claims had a state are finished rebalances
		lock.State = domain.LockCommitted
	}
	return &lock, nil
}

func (l *Locker) Acquire(_ context.Context, lock domain.RebalanceLock, now time.Time) error {
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return err
	}

	err = atomicio.CreateExclusive(l.path, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create rebalance lock: %w", err)
	}

	held, err := l.read()
	if err != nil {
		return err
	}
	if held == nil {
		// removed between our create and read; one more try
		if err := atomicio.CreateExclusive(l.path, data); err != nil {
			return l.heldOrErr(err)
		}
		return nil
	}
	if !held.Expired(now) {
		return store.LockHeld(*held)
	}

	return l.takeover(*held, data, now)
}

func (l *Locker) takeover(expired domain.RebalanceLock, data []byte, now time.Time) error {
	if err := atomicio.CreateExclusive(l.guard, []byte(now.UTC().Format(time.RFC3339))); err != nil {
		if errors.Is(err, os.ErrExist) {
			return domain.GovernanceViolation("lock", domain.ErrLockHeld,
				"retry shortly; remove "+l.guard+" if no rebalance is running",
				"another run is taking over the expired rebalance lock")
		}
		return err
	}
	defer os.Remove(l.guard)

	current, err := l.read()
	if err != nil {
		return err
	}
	if current != nil && (current.RunID != expired.RunID || !current.Expired(now)) {
		return store.LockHeld(*current)
	}

	log.Info().
		Str("previous_run", expired.RunID).
		Time("expired_at", expired.NextAllowedAt).
		Msg("Replacing expired rebalance lock")
	return atomicio.WriteFileAtomic(l.path, data)
}

func (l *Locker) heldOrErr(err error) error {
	if errors.Is(err, os.ErrExist) {
		if held, rerr := l.read(); rerr == nil && held != nil {
			return store.LockHeld(*held)
		}
	}
	return err
}

func (l *Locker) Commit(_ context.Context, lock domain.RebalanceLock) error {
	held, err := l.read()
	if err != nil {
		return err
	}
	if held == nil || held.RunID != lock.RunID {
		return store.LockNotOwned(lock.RunID, held)
	}
	return atomicio.WriteJSONAtomic(l.path, lock)
}

func (l *Locker) Release(_ context.Context, runID string) error {
	held, err := l.read()
	if err != nil || held == nil {
		return err
	}
	if held.RunID != runID || held.State != domain.LockPending {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Locker) Current(_ context.Context) (*domain.RebalanceLock, error) {
	return l.read()
}

func (l *Locker) Clear(_ context.Context) error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ store.Locker = (*Locker)(nil)
