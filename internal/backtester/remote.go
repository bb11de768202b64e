package backtester

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/atlas-desktop/strategy-lab/pkg/utils"
)

// RemoteConfig configures the HTTP executor.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
	Retry          utils.RetryConfig
}

// DefaultRemoteConfig returns defaults for the HTTP executor.
func DefaultRemoteConfig(baseURL string) *RemoteConfig {
	return &RemoteConfig{
		BaseURL:        baseURL,
		Timeout:        10 * time.Minute,
		RequestsPerSec: 20,
		Burst:          20,
		Retry:          utils.DefaultRetryConfig(),
	}
}

// BacktestRequest is the JSON body sent to the external engine.
type BacktestRequest struct {
	Strategy types.StrategySpec     `json:"strategy"`
	Params   types.ParamSet         `json:"params"`
	Window   types.HistoricalWindow `json:"window"`
}

// BacktestResponse is the JSON body returned by the external engine.
type BacktestResponse struct {
	Metrics     *types.MetricsRecord `json:"metrics"`
	EquityCurve []types.EquityPoint  `json:"equity_curve"`
	Error       string               `json:"error,omitempty"`
}

// RemoteExecutor runs backtests on an external engine over JSON/HTTP.
type RemoteExecutor struct {
	logger     *zap.Logger
	config     *RemoteConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRemoteExecutor creates an HTTP executor.
func NewRemoteExecutor(logger *zap.Logger, config *RemoteConfig) *RemoteExecutor {
	limit := rate.Inf
	if config.RequestsPerSec > 0 {
		limit = rate.Limit(config.RequestsPerSec)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	return &RemoteExecutor{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Execute posts the request to <base>/v1/backtests and decodes the outcome.
func (e *RemoteExecutor) Execute(ctx context.Context, strategy types.StrategySpec, params types.ParamSet, window types.HistoricalWindow) (*Outcome, error) {
	fail := func(reason string, err error) error {
		return &types.ExecutionFailure{Unit: "remote", StrategyID: strategy.Key(), Reason: reason, Err: err}
	}

	body, err := json.Marshal(BacktestRequest{Strategy: strategy, Params: params, Window: window})
	if err != nil {
		return nil, fail("encode request", err)
	}

	resp, err := utils.Retry(ctx, e.config.Retry, retryable, func(ctx context.Context) (*BacktestResponse, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return e.post(ctx, body)
	})
	if err != nil {
		return nil, fail("request failed", err)
	}
	if resp.Error != "" {
		return nil, fail("engine error", errors.New(resp.Error))
	}
	if resp.Metrics == nil {
		return nil, fail("empty response", errors.New("no metrics in response"))
	}
	if resp.Metrics.StrategyID == "" {
		resp.Metrics.StrategyID = strategy.Key()
	}

	return &Outcome{Metrics: resp.Metrics, EquityCurve: resp.EquityCurve}, nil
}

func (e *RemoteExecutor) post(ctx context.Context, body []byte) (*BacktestResponse, error) {
	url := strings.TrimRight(e.config.BaseURL, "/") + "/v1/backtests"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Debug("engine request failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	var out BacktestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
