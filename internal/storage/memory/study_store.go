// Package memory provides an in-memory study store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

type studyRecord struct {
	study  storage.Study
	trials map[int]types.Trial
}

// StudyStore is an in-memory implementation of storage.StudyStore.
type StudyStore struct {
	mu   sync.RWMutex
	data map[string]*studyRecord // keyed by study name
}

// NewStudyStore creates a new in-memory study store.
func NewStudyStore() *StudyStore {
	return &StudyStore{
		data: make(map[string]*studyRecord),
	}
}

// Compile-time interface check.
var _ storage.StudyStore = (*StudyStore)(nil)

// CreateStudy registers a study. Returns ErrDuplicateKey if the name exists.
func (s *StudyStore) CreateStudy(_ context.Context, study *storage.Study) error {
	if err := study.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[study.Name]; exists {
		return storage.ErrDuplicateKey
	}
	s.data[study.Name] = &studyRecord{study: *study, trials: make(map[int]types.Trial)}
	return nil
}

// GetStudy returns a copy of the study. Returns ErrNotFound if not exists.
func (s *StudyStore) GetStudy(_ context.Context, name string) (*storage.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[name]
	if !exists {
		return nil, storage.ErrNotFound
	}
	studyCopy := rec.study
	return &studyCopy, nil
}

// AppendTrial stores a copy of the trial.
func (s *StudyStore) AppendTrial(_ context.Context, study string, trial types.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[study]
	if !exists {
		return storage.ErrNotFound
	}
	if _, dup := rec.trials[trial.Number]; dup {
		return storage.ErrDuplicateKey
	}
	rec.trials[trial.Number] = copyTrial(trial)
	return nil
}

// ListTrials returns copies of all trials ordered by number.
func (s *StudyStore) ListTrials(_ context.Context, study string) ([]types.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[study]
	if !exists {
		return nil, storage.ErrNotFound
	}

	result := make([]types.Trial, 0, len(rec.trials))
	for _, t := range rec.trials {
		result = append(result, copyTrial(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

// DeleteStudy removes the study and its trials.
func (s *StudyStore) DeleteStudy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[name]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, name)
	return nil
}

func copyTrial(t types.Trial) types.Trial {
	t.Params = t.Params.Clone()
	t.Metrics = t.Metrics.Clone()
	return t
}
