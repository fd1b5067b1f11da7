// Package feed downloads historical candles from remote providers and syncs
// them into the local candle store.
package feed

import (
	"context"
	"errors"

	"replaydesk/internal/market"
)

var (
	// ErrRateLimited marks a provider response asking the client to slow down.
	ErrRateLimited = errors.New("feed: rate limited")
	// ErrUnknownSource is returned for a provider name that is not configured.
	ErrUnknownSource = errors.New("feed: unknown source")
)

// SegmentRequest 描述一次远端 K 线请求。StartDate/EndDate 为 Unix ms，0 表示不限制。
type SegmentRequest struct {
	Symbol     string
	Timeframe  market.Timeframe
	StartDate  int64
	EndDate    int64
	OutputSize int
}

// Segment is one page of candles. Err carries a provider message for pages
// that came back empty without a transport failure.
type Segment struct {
	Candles []market.Candle `json:"candles"`
	Err     string          `json:"error,omitempty"`
}

// Source 统一不同数据源的拉取行为。
type Source interface {
	FetchSegment(ctx context.Context, req SegmentRequest) (Segment, error)
	Name() string
}
