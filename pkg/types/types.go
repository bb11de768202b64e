// Package types provides shared type definitions for the strategy lab pipeline.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe represents candle timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock length of one candle.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// IsValid reports whether tf is a supported timeframe.
func (tf Timeframe) IsValid() bool {
	return tf.Duration() > 0
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// EquityPoint is one sample of portfolio value over time.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// StrategySpec identifies a strategy candidate handed to an executor.
type StrategySpec struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Params    ParamSet  `json:"params,omitempty"`
}

// Key returns the identifier used for scoring, studies and allocations.
func (s StrategySpec) Key() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// HistoricalWindow bounds the data an executor may read: [Start, End).
type HistoricalWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the window length in whole days.
func (w HistoricalWindow) Days() int {
	return int(w.End.Sub(w.Start) / (24 * time.Hour))
}

// Contains reports whether t lies inside the half-open window.
func (w HistoricalWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w HistoricalWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// WindowEndingAt returns the window of the given number of days ending at end.
func WindowEndingAt(end time.Time, days int) HistoricalWindow {
	return HistoricalWindow{
		Start: end.AddDate(0, 0, -days),
		End:   end,
	}
}
