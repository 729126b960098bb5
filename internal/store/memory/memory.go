// Package memory implements the store repositories in process memory.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/store"
)

// Store implements StateStore, ExclusionStore and ArtifactStore.
type Store struct {
	mu sync.Mutex

	state     *domain.IndexState
	history   []domain.IndexHistoryPoint
	portfolio *domain.Portfolio
	emergency *domain.EmergencyLock
	audit     []domain.AuditEvent

	exclusions  domain.ExclusionMap
	overrideRaw []byte
	hasOverride bool

	artifacts map[string]map[string][]byte
}

// New returns an empty store with an empty exclusion map.
func New() *Store {
	return &Store{
		exclusions: domain.ExclusionMap{},
		artifacts:  make(map[string]map[string][]byte),
	}
}

func (s *Store) LoadIndexState(context.Context) (*domain.IndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	st := *s.state
	return &st, nil
}

func (s *Store) SaveIndexState(_ context.Context, st domain.IndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

func (s *Store) AppendHistory(_ context.Context, p domain.IndexHistoryPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, p)
	return nil
}

func (s *Store) LastHistoryPoint(context.Context) (*domain.IndexHistoryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil, nil
	}
	p := s.history[len(s.history)-1]
	return &p, nil
}

func (s *Store) History(_ context.Context, limit int) ([]domain.IndexHistoryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]domain.IndexHistoryPoint(nil), h...), nil
}

func (s *Store) SavePortfolio(_ context.Context, p domain.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Constituents = append([]domain.RankedConstituent(nil), p.Constituents...)
	s.portfolio = &p
	return nil
}

func (s *Store) LoadPortfolio(context.Context) (*domain.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portfolio == nil {
		return nil, nil
	}
	p := *s.portfolio
	return &p, nil
}

func (s *Store) LoadEmergencyLock(context.Context) (*domain.EmergencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency == nil {
		return nil, nil
	}
	l := *s.emergency
	return &l, nil
}

func (s *Store) SaveEmergencyLock(_ context.Context, l domain.EmergencyLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = &l
	return nil
}

func (s *Store) AppendAudit(_ context.Context, e domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) AuditEvents(context.Context) ([]domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEvent(nil), s.audit...), nil
}

func (s *Store) LoadExclusions(context.Context) (domain.ExclusionMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(domain.ExclusionMap, len(s.exclusions))
	for k, v := range s.exclusions {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (s *Store) SaveExclusions(_ context.Context, m domain.ExclusionMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exclusions = m
	return nil
}

// SetOverrideRaw replaces the override file content.
func (s *Store) SetOverrideRaw(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrideRaw = append([]byte(nil), raw...)
	s.hasOverride = true
}

func (s *Store) LoadOverrideRaw(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.overrideRaw...), s.hasOverride, nil
}

func (s *Store) ClearOverrides(context.Context) error {
	s.SetOverrideRaw([]byte("blacklist: []\n"))
	return nil
}

// PutArtifact stores the JSON encoding of v.
func (s *Store) PutArtifact(_ context.Context, runID, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.artifacts[runID] == nil {
		s.artifacts[runID] = make(map[string][]byte)
	}
	s.artifacts[runID][name] = b
	return nil
}

// Artifact returns a stored artifact's JSON.
func (s *Store) Artifact(runID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.artifacts[runID][name]
	return b, ok
}

// Locker implements store.Locker in memory.
type Locker struct {
	mu   sync.Mutex
	lock *domain.RebalanceLock
}

func NewLocker() *Locker { return &Locker{} }

func (l *Locker) Acquire(_ context.Context, lock domain.RebalanceLock, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil && !l.lock.Expired(now) {
		return store.LockHeld(*l.lock)
	}
	l.lock = &lock
	return nil
}

func (l *Locker) Commit(_ context.Context, lock domain.RebalanceLock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil || l.lock.RunID != lock.RunID {
		return store.LockNotOwned(lock.RunID, l.lock)
	}
	l.lock = &lock
	return nil
}

func (l *Locker) Release(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil && l.lock.RunID == runID && l.lock.State == domain.LockPending {
		l.lock = nil
	}
	return nil
}

func (l *Locker) Current(context.Context) (*domain.RebalanceLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil, nil
	}
	c := *l.lock
	return &c, nil
}

func (l *Locker) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lock = nil
	return nil
}

var (
	_ store.StateStore     = (*Store)(nil)
	_ store.ExclusionStore = (*Store)(nil)
	_ store.ArtifactStore  = (*Store)(nil)
	_ store.Locker         = (*Locker)(nil)
)
