// Package jsonfile provides a study store that keeps one JSON document per
// study in a directory, so studies survive restarts without a database.
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/artifacts"
	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

type document struct {
	Study  storage.Study `json:"study"`
	Trials []types.Trial `json:"trials"`
}

// StudyStore implements storage.StudyStore on the local filesystem.
type StudyStore struct {
	logger *zap.Logger
	dir    string
	mu     sync.RWMutex
}

// NewStudyStore creates the directory if needed and returns a store rooted there.
func NewStudyStore(logger *zap.Logger, dir string) (*StudyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.IOFailure{Op: "mkdir", Path: dir, Err: err}
	}
	return &StudyStore{logger: logger, dir: dir}, nil
}

// Compile-time interface check.
var _ storage.StudyStore = (*StudyStore)(nil)

func (s *StudyStore) path(name string) string {
	return filepath.Join(s.dir, artifacts.FileName(name)+".json")
}

func (s *StudyStore) load(name string) (*document, error) {
	var doc document
	if err := artifacts.ReadJSON(s.path(name), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load study %s: %w", name, err)
	}
	return &doc, nil
}

func (s *StudyStore) save(doc *document) error {
	return artifacts.WriteJSON(s.path(doc.Study.Name), doc)
}

// CreateStudy registers a study. Returns ErrDuplicateKey if the name exists.
func (s *StudyStore) CreateStudy(_ context.Context, study *storage.Study) error {
	if err := study.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(study.Name)); err == nil {
		return storage.ErrDuplicateKey
	}
	if err := s.save(&document{Study: *study, Trials: []types.Trial{}}); err != nil {
		return err
	}
	s.logger.Debug("created study", zap.String("study", study.Name), zap.String("dir", s.dir))
	return nil
}

// GetStudy returns the study. Returns ErrNotFound if not exists.
func (s *StudyStore) GetStudy(_ context.Context, name string) (*storage.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load(name)
	if err != nil {
		return nil, err
	}
	return &doc.Study, nil
}

// AppendTrial rewrites the study document with the trial appended.
func (s *StudyStore) AppendTrial(_ context.Context, study string, trial types.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(study)
	if err != nil {
		return err
	}
	for _, t := range doc.Trials {
		if t.Number == trial.Number {
			return storage.ErrDuplicateKey
		}
	}
	doc.Trials = append(doc.Trials, trial)
	return s.save(doc)
}

// ListTrials returns all trials ordered by number. Numeric parameter values
// come back as float64; callers normalise them against their ranges.
func (s *StudyStore) ListTrials(_ context.Context, study string) ([]types.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.load(study)
	if err != nil {
		return nil, err
	}
	sort.Slice(doc.Trials, func(i, j int) bool { return doc.Trials[i].Number < doc.Trials[j].Number })
	return doc.Trials, nil
}

// DeleteStudy removes the study file.
func (s *StudyStore) DeleteStudy(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return &types.IOFailure{Op: "remove", Path: s.path(name), Err: err}
	}
	return nil
}
