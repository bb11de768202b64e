package scoring

import (
	"sort"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Ranker orders metrics records by composite score.
type Ranker struct {
	scorer *CompositeScorer
}

// NewRanker creates a ranker backed by scorer; nil means the default scorer.
func NewRanker(scorer *CompositeScorer) *Ranker {
	if scorer == nil {
		scorer = NewCompositeScorer(nil)
	}
	return &Ranker{scorer: scorer}
}

// Scorer returns the scorer used by the ranker.
func (r *Ranker) Scorer() *CompositeScorer {
	return r.scorer
}

// Rank scores every record and returns a new slice sorted by score,
// highest first. Equal scores keep their input order. Nil records are dropped.
func (r *Ranker) Rank(records []*types.MetricsRecord) []*types.MetricsRecord {
	ranked := make([]*types.MetricsRecord, 0, len(records))
	for _, m := range records {
		if m == nil {
			continue
		}
		r.scorer.Apply(m)
		ranked = append(ranked, m)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].CompositeScore > *ranked[j].CompositeScore
	})
	return ranked
}

// TopN returns the first n records of Rank.
func (r *Ranker) TopN(records []*types.MetricsRecord, n int) []*types.MetricsRecord {
	if n <= 0 {
		return []*types.MetricsRecord{}
	}
	ranked := r.Rank(records)
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// Qualified returns the records whose score is not the disqualification sentinel,
// scoring any that have not been scored yet. Order is preserved.
func (r *Ranker) Qualified(records []*types.MetricsRecord) []*types.MetricsRecord {
	out := make([]*types.MetricsRecord, 0, len(records))
	for _, m := range records {
		if m == nil {
			continue
		}
		score, ok := m.Score()
		if !ok {
			score = r.scorer.Apply(m)
		}
		if score != DisqualifiedScore {
			out = append(out, m)
		}
	}
	return out
}
