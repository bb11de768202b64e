package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/orchestrator"
	"github.com/atlas-desktop/strategy-lab/internal/scoring"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

type generatorFunc func(ctx context.Context, n int, tf types.Timeframe) ([]types.StrategySpec, error)

func (f generatorFunc) Generate(ctx context.Context, n int, tf types.Timeframe) ([]types.StrategySpec, error) {
	return f(ctx, n, tf)
}

func numbered() generatorFunc {
	return func(_ context.Context, n int, tf types.Timeframe) ([]types.StrategySpec, error) {
		specs := make([]types.StrategySpec, n)
		for i := range specs {
			specs[i] = types.StrategySpec{
				Name:      fmt.Sprintf("s%d", i),
				Symbol:    "BTC/USDT",
				Timeframe: tf,
				Params:    types.ParamSet{"ret": float64(i)},
			}
		}
		return specs, nil
	}
}

func qualifying(id string, ret float64) *types.MetricsRecord {
	return &types.MetricsRecord{
		StrategyID:     id,
		TotalReturnPct: ret,
		SortinoRatio:   1,
		SharpeRatio:    1,
		WinRatePct:     50,
		TotalTrades:    20,
		MaxDrawdownPct: -5,
	}
}

var window = types.HistoricalWindow{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
}

func newOrchestrator(exec backtester.Executor, gen backtester.CandidateGenerator) *orchestrator.DiscoveryOrchestrator {
	return orchestrator.NewDiscoveryOrchestrator(zap.NewNop(), gen, exec, scoring.NewRanker(nil), nil)
}

func request(n, parallel int) orchestrator.DiscoveryRequest {
	return orchestrator.DiscoveryRequest{NumCandidates: n, Timeframe: types.Timeframe1h, MaxParallel: parallel, Window: window}
}

func TestDiscoverRanksQualifyingStrategies(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, p types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		ret := p.FloatOr("ret", 0)
		switch {
		case ret == 2:
			return nil, &types.ExecutionFailure{Unit: "test", StrategyID: s.Key(), Reason: "insufficient data"}
		case ret == 4:
			m := qualifying(s.Key(), ret)
			m.TotalTrades = 1
			return &backtester.Outcome{Metrics: m}, nil
		}
		return &backtester.Outcome{Metrics: qualifying(s.Key(), ret)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(6, 3))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeOK, res.Outcome)
	assert.Equal(t, 6, res.Requested)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, map[string]int{"insufficient data": 1}, res.FailuresByReason())

	var names []string
	for i, r := range res.Ranked {
		assert.Equal(t, i+1, r.Rank)
		names = append(names, r.Strategy.Name)
	}
	assert.Equal(t, []string{"s5", "s3", "s1", "s0"}, names)
	require.Len(t, res.Disqualified, 1)
	assert.Equal(t, "s4", res.Disqualified[0].Strategy.Name)
	assert.Len(t, res.Top(2), 2)
	assert.Len(t, res.Top(10), 4)
}

func TestDiscoverNoExecutionsSucceeded(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		return nil, errors.New("engine unavailable")
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(4, 2))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeNoExecutionsSucceeded, res.Outcome)
	assert.Empty(t, res.Ranked)
	assert.Equal(t, 4, res.Failed)
	assert.Zero(t, res.Succeeded)
}

func TestDiscoverAllDisqualified(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		m := qualifying(s.Key(), 10)
		m.SharpeRatio = 0.1
		return &backtester.Outcome{Metrics: m}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(4, 2))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeAllDisqualified, res.Outcome)
	assert.Empty(t, res.Ranked)
	assert.Len(t, res.Disqualified, 4)
	assert.Zero(t, res.Failed)
	for _, d := range res.Disqualified {
		score, ok := d.Metrics.Score()
		require.True(t, ok)
		assert.Equal(t, scoring.DisqualifiedScore, score)
	}
}

func TestDiscoverRespectsMaxParallel(t *testing.T) {
	var active, peak atomic.Int64
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 5)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(12, 3))
	require.NoError(t, err)
	assert.Equal(t, 12, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestDiscoverParallelismAboveCandidateCount(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 5)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(3, 1<<50))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeOK, res.Outcome)
	assert.Equal(t, 3, res.Succeeded)
	assert.Len(t, res.Ranked, 3)
}

func TestDiscoverTiesKeepCandidateOrder(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, p types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		// Later candidates finish first.
		time.Sleep(time.Duration(10-p.IntOr("ret", 0)) * time.Millisecond)
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 7)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(5, 5))
	require.NoError(t, err)
	var names []string
	for _, r := range res.Ranked {
		names = append(names, r.Strategy.Name)
	}
	assert.Equal(t, []string{"s0", "s1", "s2", "s3", "s4"}, names)
}

func TestDiscoverRecordsPanicsAsFailures(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, p types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		if p.IntOr("ret", 0) == 1 {
			panic("bad strategy")
		}
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 3)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(context.Background(), request(3, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "s1", res.Failures[0].StrategyID)
}

func TestDiscoverReportsProgress(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 3)}, nil
	})
	var (
		mu   sync.Mutex
		done []int
	)
	req := request(4, 2)
	req.OnProgress = func(p types.Progress) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 4, p.Total)
		done = append(done, p.Done)
	}

	_, err := newOrchestrator(exec, numbered()).Discover(context.Background(), req)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, done)
}

func TestDiscoverCancellationReturnsPartialRanking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 3)}, nil
	})

	res, err := newOrchestrator(exec, numbered()).Discover(ctx, request(50, 1))
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.GreaterOrEqual(t, res.Succeeded, 2)
	assert.Less(t, res.Succeeded, 50)
	assert.Equal(t, orchestrator.OutcomeOK, res.Outcome)
}

func TestDiscoverSetupErrors(t *testing.T) {
	exec := backtester.ExecutorFunc(func(context.Context, types.StrategySpec, types.ParamSet, types.HistoricalWindow) (*backtester.Outcome, error) {
		return nil, nil
	})
	o := newOrchestrator(exec, numbered())

	for name, req := range map[string]orchestrator.DiscoveryRequest{
		"zero candidates":  request(0, 2),
		"negative workers": request(3, -1),
		"bad timeframe":    {NumCandidates: 3, MaxParallel: 1, Timeframe: "7m"},
	} {
		_, err := o.Discover(context.Background(), req)
		assert.True(t, types.IsSetupError(err), name)
		assert.ErrorIs(t, err, types.ErrInvalidRequest, name)
	}

	empty := newOrchestrator(exec, generatorFunc(func(context.Context, int, types.Timeframe) ([]types.StrategySpec, error) {
		return nil, nil
	}))
	_, err := empty.Discover(context.Background(), request(3, 1))
	assert.ErrorIs(t, err, types.ErrNoCandidates)

	broken := newOrchestrator(exec, generatorFunc(func(context.Context, int, types.Timeframe) ([]types.StrategySpec, error) {
		return nil, errors.New("template missing")
	}))
	_, err = broken.Discover(context.Background(), request(3, 1))
	assert.True(t, types.IsSetupError(err))
}

func TestDiscoverWithTemplateGenerator(t *testing.T) {
	gen := backtester.NewTemplateGenerator(zap.NewNop(), nil, []string{"BTC/USDT", "ETH/USDT"}, 1)
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, _ types.ParamSet, _ types.HistoricalWindow) (*backtester.Outcome, error) {
		return &backtester.Outcome{Metrics: qualifying(s.Key(), 2)}, nil
	})

	res, err := newOrchestrator(exec, gen).Discover(context.Background(), request(4, 2))
	require.NoError(t, err)
	assert.Len(t, res.Ranked, 4)
	for _, r := range res.Ranked {
		assert.NotEmpty(t, r.Strategy.ID)
		assert.Equal(t, r.Strategy.Key(), r.Metrics.StrategyID)
	}
}
