// Package file implements the store repositories on the local filesystem.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"gopkg.in/yaml.v2"

	"github.com/sawpanic/ares/internal/domain"
	"github.com/sawpanic/ares/internal/exclusion"
	atomicio "github.com/sawpanic/ares/internal/io"
	"github.com/sawpanic/ares/internal/store"
)

// Layout relative to the data directory.
const (
	IndexDataDir       = "index_data"
	StateFile          = "index_data/index_state.json"
	HistoryFile        = "index_data/index_history.csv"
	PortfolioFile      = "index_data/portfolio.json"
	EmergencyLockFile  = "index_data/emergency.lock"
	EmergencyEventsLog = "index_data/emergency_events.jsonl"
	RebalanceLockFile  = "index_data/rebalance.lock"
	RunGuardFile       = "index_data/run.lock"
	ExclusionsFile     = "ares/exclusions/exclusions.yaml"
	OverrideFile       = "ares/exclusions/human_override.yaml"
	EvalDir            = "ares_eval"
)

// Store keeps every artifact under a single data directory.
type Store struct {
	root string
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// readJSON decodes path into v. It reports false when the file is absent.
func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, domain.IntegrityError("read "+filepath.Base(path), err, "corrupt JSON")
	}
	return true, nil
}

func (s *Store) LoadIndexState(_ context.Context) (*domain.IndexState, error) {
	var st domain.IndexState
	ok, err := readJSON(s.path(StateFile), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (s *Store) SaveIndexState(_ context.Context, st domain.IndexState) error {
	return atomicio.WriteJSONAtomic(s.path(StateFile), st)
}

func (s *Store) readHistory() ([]domain.IndexHistoryPoint, error) {
	b, err := os.ReadFile(s.path(HistoryFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var points []domain.IndexHistoryPoint
	if err := csvutil.Unmarshal(b, &points); err != nil {
		return nil, domain.IntegrityError("read index history", err, "corrupt CSV")
	}
	return points, nil
}

// AppendHistory rewrites the CSV with the new point appended so the file is
// always replaced atomically.
func (s *Store) AppendHistory(_ context.Context, p domain.IndexHistoryPoint) error {
	points, err := s.readHistory()
	if err != nil {
		return err
	}
	points = append(points, p)

	b, err := csvutil.Marshal(points)
	if err != nil {
		return fmt.Errorf("encode index history: %w", err)
	}
	return atomicio.WriteFileAtomic(s.path(HistoryFile), b)
}

func (s *Store) LastHistoryPoint(_ context.Context) (*domain.IndexHistoryPoint, error) {
	points, err := s.readHistory()
	if err != nil || len(points) == 0 {
		return nil, err
	}
	last := points[len(points)-1]
	return &last, nil
}

func (s *Store) History(_ context.Context, limit int) ([]domain.IndexHistoryPoint, error) {
	points, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

func (s *Store) SavePortfolio(_ context.Context, p domain.Portfolio) error {
	return atomicio.WriteJSONAtomic(s.path(PortfolioFile), p)
}

func (s *Store) LoadPortfolio(_ context.Context) (*domain.Portfolio, error) {
	var p domain.Portfolio
	ok, err := readJSON(s.path(PortfolioFile), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) LoadEmergencyLock(_ context.Context) (*domain.EmergencyLock, error) {
	var l domain.EmergencyLock
	ok, err := readJSON(s.path(EmergencyLockFile), &l)
	if err != nil || !ok {
		return nil, err
	}
	return &l, nil
}

func (s *Store) SaveEmergencyLock(_ context.Context, l domain.EmergencyLock) error {
	return atomicio.WriteJSONAtomic(s.path(EmergencyLockFile), l)
}

func (s *Store) AppendAudit(_ context.Context, e domain.AuditEvent) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return atomicio.AppendLine(s.path(EmergencyEventsLog), b)
}

func (s *Store) AuditEvents(_ context.Context) ([]domain.AuditEvent, error) {
	b, err := os.ReadFile(s.path(EmergencyEventsLog))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []domain.AuditEvent
	for i, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e domain.AuditEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, domain.IntegrityError("read audit log", err, "corrupt entry on line %d", i+1)
		}
		events = append(events, e)
	}
	return events, nil
}

// LoadExclusions reads the automatic category lists. The file is required.
func (s *Store) LoadExclusions(_ context.Context) (domain.ExclusionMap, error) {
	b, err := os.ReadFile(s.path(ExclusionsFile))
	if err != nil {
		return nil, domain.ConfigurationError("load exclusions", err, "cannot read %s", ExclusionsFile)
	}
	m := domain.ExclusionMap{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, domain.ConfigurationError("load exclusions", err, "invalid YAML in %s", ExclusionsFile)
	}
	return m, nil
}

func (s *Store) SaveExclusions(_ context.Context, m domain.ExclusionMap) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode exclusions: %w", err)
	}
	return atomicio.WriteFileAtomic(s.path(ExclusionsFile), b)
}

func (s *Store) LoadOverrideRaw(_ context.Context) ([]byte, bool, error) {
	b, err := os.ReadFile(s.path(OverrideFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) ClearOverrides(_ context.Context) error {
	b, err := yaml.Marshal(exclusion.EmptyOverrideDocument())
	if err != nil {
		return err
	}
	return atomicio.WriteFileAtomic(s.path(OverrideFile), b)
}

// PutArtifact writes v as ares_eval/<runID>/<name>.json.
func (s *Store) PutArtifact(_ context.Context, runID, name string, v any) error {
	if runID == "" || name == "" {
		return fmt.Errorf("artifact needs a run id and a name")
	}
	return atomicio.WriteJSONAtomic(filepath.Join(s.path(EvalDir), runID, name+".json"), v)
}

var (
	_ store.StateStore     = (*Store)(nil)
	_ store.ExclusionStore = (*Store)(nil)
	_ store.ArtifactStore  = (*Store)(nil)
)
