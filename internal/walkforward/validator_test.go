package walkforward_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/optimization"
	"github.com/atlas-desktop/strategy-lab/internal/walkforward"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

var anchor = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func ranges(t *testing.T) []types.ParameterRange {
	r, err := types.NewRealRange("stop_loss_pct", 0, 10, 0)
	require.NoError(t, err)
	return []types.ParameterRange{r}
}

func strategy() types.StrategySpec {
	return types.StrategySpec{Name: "ma_cross-btcusdt-1h-000", Symbol: "BTC/USDT", Timeframe: types.Timeframe1h}
}

// oosExecutor reports Sharpe 1 and a two-point curve per window.
func oosExecutor(calls *atomic.Int64) backtester.ExecutorFunc {
	return func(_ context.Context, s types.StrategySpec, p types.ParamSet, w types.HistoricalWindow) (*backtester.Outcome, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &backtester.Outcome{
			Metrics: &types.MetricsRecord{StrategyID: s.Key(), SharpeRatio: 1, TotalReturnPct: 4, MaxDrawdownPct: -6},
			EquityCurve: []types.EquityPoint{
				{Timestamp: w.Start, Equity: 10000},
				{Timestamp: w.End.Add(-time.Hour), Equity: 10400},
			},
		}, nil
	}
}

type recordingSearcher struct {
	mu       sync.Mutex
	requests []optimization.OptimizeRequest
	onCall   func(n int)
	fail     map[int]bool
}

func (r *recordingSearcher) Optimize(_ context.Context, req optimization.OptimizeRequest) (*types.OptimizationResult, error) {
	r.mu.Lock()
	n := len(r.requests)
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.onCall != nil {
		r.onCall(n)
	}

	res := &types.OptimizationResult{
		StrategyName: req.Strategy.Key(),
		StudyName:    req.StudyName,
		BestValue:    types.FailedTrialValue,
		Trials:       []types.Trial{{Number: 0, State: types.TrialFailed, Value: types.FailedTrialValue}},
	}
	if r.fail[n] {
		return res, nil
	}
	res.BestParams = types.ParamSet{"stop_loss_pct": float64(n + 1)}
	res.BestValue = 2
	res.BestMetrics = &types.MetricsRecord{SharpeRatio: 2}
	return res, nil
}

func request(t *testing.T, total, is, oos, step int) walkforward.Request {
	return walkforward.Request{
		Strategy:           strategy(),
		Ranges:             ranges(t),
		BaseConfig:         types.DefaultConfigDocument(),
		Anchor:             anchor,
		TotalDays:          total,
		InSampleDays:       is,
		OutOfSampleDays:    oos,
		StepDays:           step,
		MaxTrialsPerWindow: 3,
	}
}

func TestWindowCount(t *testing.T) {
	tests := []struct {
		total, is, oos, step, want int
	}{
		{730, 120, 30, 30, 20},
		{150, 120, 30, 30, 1},
		{179, 120, 30, 30, 1},
		{180, 120, 30, 30, 2},
		{140, 120, 30, 30, 0},
		{100, 120, 30, 30, 0},
		{730, 120, 30, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, walkforward.WindowCount(tt.total, tt.is, tt.oos, tt.step), "%+v", tt)
	}
}

func TestPlanLaysOutRollingWindows(t *testing.T) {
	windows := walkforward.Plan(anchor, 730, 120, 30, 30)
	require.Len(t, windows, 20)

	day := func(n int) time.Time { return anchor.AddDate(0, 0, n) }
	assert.Equal(t, types.HistoricalWindow{Start: day(0), End: day(120)}, windows[0].InSample)
	assert.Equal(t, types.HistoricalWindow{Start: day(120), End: day(150)}, windows[0].OutOfSample)
	assert.Equal(t, types.HistoricalWindow{Start: day(30), End: day(150)}, windows[1].InSample)
	last := windows[19]
	assert.Equal(t, day(19*30+150), last.OutOfSample.End)
	assert.False(t, last.OutOfSample.End.After(day(730)))
}

func TestValidateRunsWindowsInOrder(t *testing.T) {
	searcher := &recordingSearcher{}
	v := walkforward.NewValidator(zap.NewNop(), searcher, oosExecutor(nil), nil)

	summary, err := v.Validate(context.Background(), request(t, 210, 60, 30, 30))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalWindows)
	assert.Equal(t, 5, summary.Successful)
	assert.Zero(t, summary.Failed)

	require.Len(t, searcher.requests, 5)
	for i, req := range searcher.requests {
		assert.Equal(t, anchor.AddDate(0, 0, i*30), req.Window.Start)
		assert.Equal(t, 3, req.NTrials)
	}

	assert.InDelta(t, 1.0, summary.MeanSharpe, 1e-12)
	assert.InDelta(t, 4.0, summary.MeanReturnPct, 1e-12)
	assert.InDelta(t, -6.0, summary.MeanMaxDrawdownPct, 1e-12)
	assert.InDelta(t, 0.5, summary.RobustnessRatio, 1e-12)

	require.Len(t, summary.EquityCurve, 10)
	for i := 1; i < len(summary.EquityCurve); i++ {
		assert.True(t, summary.EquityCurve[i].Timestamp.After(summary.EquityCurve[i-1].Timestamp))
	}
}

func TestValidateSeedsNextWindowWithPreviousBest(t *testing.T) {
	searcher := &recordingSearcher{}
	v := walkforward.NewValidator(zap.NewNop(), searcher, oosExecutor(nil), nil)

	summary, err := v.Validate(context.Background(), request(t, 150, 60, 30, 30))
	require.NoError(t, err)
	require.Len(t, searcher.requests, 3)

	// Window 0 starts from the base configuration.
	require.Len(t, searcher.requests[0].Seeds, 1)
	assert.Equal(t, 2.0, searcher.requests[0].Seeds[0]["stop_loss_pct"])
	for k := 1; k < 3; k++ {
		require.Len(t, searcher.requests[k].Seeds, 1)
		assert.Equal(t, float64(k), searcher.requests[k].Seeds[0]["stop_loss_pct"])
	}
	assert.Equal(t, 3.0, summary.FinalConfig.Risk["stop_loss_pct"])
	assert.Equal(t, 4.0, summary.FinalConfig.Risk["take_profit_pct"])
}

func TestValidateSkipsFailedWindows(t *testing.T) {
	searcher := &recordingSearcher{fail: map[int]bool{1: true}}
	plan := walkforward.Plan(anchor, 210, 60, 30, 30)
	exec := backtester.ExecutorFunc(func(ctx context.Context, s types.StrategySpec, p types.ParamSet, w types.HistoricalWindow) (*backtester.Outcome, error) {
		if w.Start.Equal(plan[3].OutOfSample.Start) {
			return nil, errors.New("engine crashed")
		}
		return oosExecutor(nil)(ctx, s, p, w)
	})
	v := walkforward.NewValidator(zap.NewNop(), searcher, exec, nil)

	summary, err := v.Validate(context.Background(), request(t, 210, 60, 30, 30))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Successful)
	assert.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Windows, 5)
	assert.Equal(t, walkforward.WindowFailed, summary.Windows[1].Status)
	assert.Equal(t, walkforward.WindowFailed, summary.Windows[3].Status)
	assert.Equal(t, walkforward.WindowOK, summary.Windows[4].Status)
	assert.Len(t, summary.EquityCurve, 6)

	// A failed window leaves the working configuration untouched.
	assert.Equal(t, 1.0, searcher.requests[2].Seeds[0]["stop_loss_pct"])
}

func TestValidateZeroWindowsDoesNoWork(t *testing.T) {
	var calls atomic.Int64
	searcher := &recordingSearcher{}
	v := walkforward.NewValidator(zap.NewNop(), searcher, oosExecutor(&calls), nil)

	summary, err := v.Validate(context.Background(), request(t, 100, 120, 30, 30))
	require.NoError(t, err)
	assert.Zero(t, summary.TotalWindows)
	assert.Empty(t, summary.Windows)
	assert.Empty(t, searcher.requests)
	assert.Zero(t, calls.Load())
}

func TestValidateSetupErrors(t *testing.T) {
	v := walkforward.NewValidator(zap.NewNop(), &recordingSearcher{}, oosExecutor(nil), nil)

	req := request(t, 730, 120, 30, 30)
	req.Ranges = nil
	_, err := v.Validate(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrEmptyParameterSpace)

	req = request(t, 730, 120, 30, 0)
	_, err = v.Validate(context.Background(), req)
	assert.True(t, types.IsSetupError(err))

	req = request(t, 730, 120, 30, 30)
	req.MaxTrialsPerWindow = 0
	_, err = v.Validate(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestValidateCancellationStopsBeforeNextWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	searcher := &recordingSearcher{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	v := walkforward.NewValidator(zap.NewNop(), searcher, oosExecutor(nil), nil)

	summary, err := v.Validate(ctx, request(t, 730, 120, 30, 30))
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Less(t, len(searcher.requests), 20)
	assert.GreaterOrEqual(t, summary.Successful, 1)
}

func TestValidateReportsProgress(t *testing.T) {
	var done []int
	req := request(t, 150, 60, 30, 30)
	req.OnProgress = func(p types.Progress) {
		assert.Equal(t, 3, p.Total)
		done = append(done, p.Done)
	}
	v := walkforward.NewValidator(zap.NewNop(), &recordingSearcher{}, oosExecutor(nil), nil)

	_, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, done)
}

func TestValidateWithSearchEngine(t *testing.T) {
	exec := backtester.ExecutorFunc(func(_ context.Context, s types.StrategySpec, p types.ParamSet, w types.HistoricalWindow) (*backtester.Outcome, error) {
		x := p.FloatOr("stop_loss_pct", 0)
		return &backtester.Outcome{
			Metrics:     &types.MetricsRecord{StrategyID: s.Key(), SharpeRatio: 3 - (x-4)*(x-4)/10, TotalReturnPct: x},
			EquityCurve: []types.EquityPoint{{Timestamp: w.Start, Equity: 10000}},
		}, nil
	})
	cfg := optimization.DefaultSearchConfig()
	cfg.Seed = 3
	engine := optimization.NewSearchEngine(zap.NewNop(), exec, nil, cfg)
	v := walkforward.NewValidator(zap.NewNop(), engine, exec, nil)

	summary, err := v.Validate(context.Background(), request(t, 120, 60, 30, 30))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Successful)
	for _, w := range summary.Windows {
		assert.Equal(t, 3, w.Trials)
		assert.NotNil(t, w.BestParams)
	}
	assert.Len(t, summary.EquityCurve, 2)
}
