package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// StudyStore implements storage.StudyStore using PostgreSQL.
type StudyStore struct {
	pool *Pool
}

// NewStudyStore creates a new StudyStore.
func NewStudyStore(pool *Pool) *StudyStore {
	return &StudyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StudyStore = (*StudyStore)(nil)

// CreateStudy registers a study. Returns ErrDuplicateKey if the name exists.
func (s *StudyStore) CreateStudy(ctx context.Context, study *storage.Study) error {
	if err := study.Validate(); err != nil {
		return err
	}
	createdAt := study.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO studies (name, strategy, sampler, objective, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, study.Name, study.Strategy, study.Sampler, study.Objective, createdAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert study: %w", err)
	}
	return nil
}

// GetStudy returns the study. Returns ErrNotFound if not exists.
func (s *StudyStore) GetStudy(ctx context.Context, name string) (*storage.Study, error) {
	query := `
		SELECT name, strategy, sampler, objective, created_at
		FROM studies
		WHERE name = $1
	`

	var st storage.Study
	err := s.pool.QueryRow(ctx, query, name).Scan(&st.Name, &st.Strategy, &st.Sampler, &st.Objective, &st.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get study: %w", err)
	}
	return &st, nil
}

// AppendTrial inserts a trial row. Params and metrics are stored as JSONB.
func (s *StudyStore) AppendTrial(ctx context.Context, study string, trial types.Trial) error {
	params, err := json.Marshal(trial.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var metrics []byte
	if trial.Metrics != nil {
		if metrics, err = json.Marshal(trial.Metrics); err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}

	query := `
		INSERT INTO study_trials (
			study_name, number, params, value, metrics, state, error, started_at, duration_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.pool.Exec(ctx, query,
		study,
		trial.Number,
		params,
		trial.Value,
		metrics,
		string(trial.State),
		trial.Error,
		trial.StartedAt,
		int64(trial.Duration),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isMissingParentError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("insert trial: %w", err)
	}
	return nil
}

// ListTrials returns all trials ordered by number. Returns ErrNotFound for an unknown study.
func (s *StudyStore) ListTrials(ctx context.Context, study string) ([]types.Trial, error) {
	if _, err := s.GetStudy(ctx, study); err != nil {
		return nil, err
	}

	query := `
		SELECT number, params, value, metrics, state, error, started_at, duration_ns
		FROM study_trials
		WHERE study_name = $1
		ORDER BY number ASC
	`
	rows, err := s.pool.Query(ctx, query, study)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var result []types.Trial
	for rows.Next() {
		var (
			t          types.Trial
			params     []byte
			metrics    []byte
			state      string
			durationNs int64
		)
		if err := rows.Scan(&t.Number, &params, &t.Value, &metrics, &state, &t.Error, &t.StartedAt, &durationNs); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return nil, fmt.Errorf("decode params of trial %d: %w", t.Number, err)
		}
		if len(metrics) > 0 {
			t.Metrics = &types.MetricsRecord{}
			if err := json.Unmarshal(metrics, t.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics of trial %d: %w", t.Number, err)
			}
		}
		t.State = types.TrialState(state)
		t.Duration = time.Duration(durationNs)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trials: %w", err)
	}
	return result, nil
}

// DeleteStudy removes the study; trials cascade.
func (s *StudyStore) DeleteStudy(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM studies WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
