// Package storage defines persistence for parameter-search studies.
package storage

import (
	"context"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Study identifies a resumable parameter search.
type Study struct {
	Name      string    `json:"name"`
	Strategy  string    `json:"strategy"`
	Sampler   string    `json:"sampler"`
	Objective string    `json:"objective"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every store requires.
func (s *Study) Validate() error {
	if s == nil || s.Name == "" {
		return ErrInvalidInput
	}
	return nil
}

// StudyStore persists studies and their append-only trial history.
type StudyStore interface {
	// CreateStudy registers a new study. Returns ErrDuplicateKey if the name exists.
	CreateStudy(ctx context.Context, study *Study) error

	// GetStudy returns the study. Returns ErrNotFound if it does not exist.
	GetStudy(ctx context.Context, name string) (*Study, error)

	// AppendTrial adds a trial. Returns ErrNotFound for an unknown study and
	// ErrDuplicateKey if the trial number is already stored.
	AppendTrial(ctx context.Context, study string, trial types.Trial) error

	// ListTrials returns all trials ordered by number.
	ListTrials(ctx context.Context, study string) ([]types.Trial, error)

	// DeleteStudy removes the study and its trials. Returns ErrNotFound if absent.
	DeleteStudy(ctx context.Context, name string) error
}
