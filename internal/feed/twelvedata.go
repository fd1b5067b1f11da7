package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/market"

	"github.com/tidwall/gjson"
)

const (
	twelveDataMaxOutput = 5000
	twelveDataLayout    = "2006-01-02 15:04:05"
	twelveDataDayLayout = "2006-01-02"
)

type TwelveDataConfig struct {
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
}

func (c TwelveDataConfig) withDefaults() TwelveDataConfig {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = "https://api.twelvedata.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 20 * time.Second
	}
	return out
}

// TwelveDataSource 拉取 Twelve Data /time_series，覆盖外汇与贵金属。
type TwelveDataSource struct {
	cfg    TwelveDataConfig
	client *http.Client
}

func NewTwelveDataSource(cfg TwelveDataConfig) *TwelveDataSource {
	final := cfg.withDefaults()
	return &TwelveDataSource{cfg: final, client: &http.Client{Timeout: final.HTTPTimeout}}
}

func (s *TwelveDataSource) Name() string { return "twelvedata" }

func (s *TwelveDataSource) FetchSegment(ctx context.Context, req SegmentRequest) (Segment, error) {
	if strings.TrimSpace(req.Symbol) == "" || req.Timeframe.SourceInterval == "" {
		return Segment{}, fmt.Errorf("symbol/timeframe 不能为空")
	}
	size := req.OutputSize
	if size <= 0 || size > twelveDataMaxOutput {
		size = twelveDataMaxOutput
	}
	u, err := url.Parse(s.cfg.BaseURL + "/time_series")
	if err != nil {
		return Segment{}, err
	}
	q := u.Query()
	q.Set("symbol", twelveDataSymbol(req.Symbol))
	q.Set("interval", req.Timeframe.SourceInterval)
	q.Set("outputsize", strconv.Itoa(size))
	q.Set("timezone", "UTC")
	q.Set("order", "ASC")
	if req.StartDate > 0 {
		q.Set("start_date", time.UnixMilli(req.StartDate).UTC().Format(twelveDataLayout))
	}
	if req.EndDate > 0 {
		q.Set("end_date", time.UnixMilli(req.EndDate).UTC().Format(twelveDataLayout))
	}
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Segment{}, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Segment{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Segment{}, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Segment{}, ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		return Segment{}, fmt.Errorf("twelvedata 返回状态码 %d", resp.StatusCode)
	}
	return parseTwelveData(body, req.Timeframe)
}

// parseTwelveData reads a time_series body. The API reports errors in-band
// with HTTP 200, so the status and code fields are checked first.
func parseTwelveData(body []byte, tf market.Timeframe) (Segment, error) {
	if !gjson.ValidBytes(body) {
		return Segment{}, fmt.Errorf("twelvedata 返回非法 JSON")
	}
	doc := gjson.ParseBytes(body)
	if doc.Get("status").String() == "error" {
		code := doc.Get("code").Int()
		msg := doc.Get("message").String()
		switch {
		case code == http.StatusTooManyRequests:
			return Segment{}, fmt.Errorf("%w: %s", ErrRateLimited, msg)
		case code == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "no data"):
			return Segment{Err: msg}, nil
		default:
			return Segment{}, fmt.Errorf("twelvedata error %d: %s", code, msg)
		}
	}
	values := doc.Get("values").Array()
	out := make([]market.Candle, 0, len(values))
	for _, v := range values {
		ts, ok := parseTwelveDataTime(v.Get("datetime").String())
		if !ok {
			continue
		}
		out = append(out, market.Candle{
			Time:   ts,
			Open:   v.Get("open").Float(),
			High:   v.Get("high").Float(),
			Low:    v.Get("low").Float(),
			Close:  v.Get("close").Float(),
			Volume: v.Get("volume").Int(),
		})
	}
	return Segment{Candles: market.Normalize(tf, out)}, nil
}

func parseTwelveDataTime(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{twelveDataLayout, twelveDataDayLayout} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// twelveDataSymbol turns EURUSD into EUR/USD; crypto pairs quoted in USDT are
// requested against USD.
func twelveDataSymbol(symbol string) string {
	if strings.Contains(symbol, "/") {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	sym := asset.NormalizeSymbol(symbol)
	if strings.HasSuffix(sym, "USDT") && len(sym) > 4 {
		return sym[:len(sym)-4] + "/USD"
	}
	if len(sym) == 6 {
		return sym[:3] + "/" + sym[3:]
	}
	return sym
}
