package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceMaxLimit = 1500

type BinanceConfig struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string
}

func (c BinanceConfig) withDefaults() BinanceConfig {
	out := c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}

// BinanceSource 基于 go-binance SDK 拉取 USDT 合约 K 线。
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid binance proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &BinanceSource{cfg: final, client: client}, nil
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) FetchSegment(ctx context.Context, req SegmentRequest) (Segment, error) {
	symbol := asset.NormalizeSymbol(req.Symbol)
	if symbol == "" || req.Timeframe.Key == "" {
		return Segment{}, fmt.Errorf("symbol/timeframe 不能为空")
	}
	limit := req.OutputSize
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	svc := b.client.NewKlinesService().Symbol(symbol).Interval(req.Timeframe.Key).Limit(limit)
	if req.StartDate > 0 {
		svc = svc.StartTime(req.StartDate)
	}
	if req.EndDate > 0 {
		svc = svc.EndTime(req.EndDate)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		if isBinanceRateLimit(err) {
			return Segment{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return Segment{}, err
	}
	now := time.Now().UnixMilli()
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		// 丢弃尚未收盘的 K 线
		if kl.CloseTime > now {
			continue
		}
		out = append(out, market.Candle{
			Time:   kl.OpenTime,
			Open:   parseFloat(kl.Open),
			High:   parseFloat(kl.High),
			Low:    parseFloat(kl.Low),
			Close:  parseFloat(kl.Close),
			Volume: int64(parseFloat(kl.Volume)),
		})
	}
	return Segment{Candles: out}, nil
}

func isBinanceRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "code=-1003") || strings.Contains(msg, "429") || strings.Contains(msg, "418")
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
