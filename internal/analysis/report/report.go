// Package report renders a replay session as an echarts page: candles up to
// the cursor with entry/exit markers, plus the equity curve.
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"replaydesk/internal/analysis/indicator"
	"replaydesk/internal/market"
	"replaydesk/internal/replay"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEMA           = "#3b82f6"
	colorEntry         = "#fbbf24"
	colorExit          = "#f472b6"
	colorEquity        = "#22d3ee"
	colorBalance       = "#a78bfa"

	chartWidthPx  = 1600
	klineHeightPx = 600
	equityHeight  = 320
	emaPeriod     = 20
)

// Input is everything one report needs. Candles must already be cut at the
// session cursor.
type Input struct {
	Snapshot     replay.Snapshot
	Candles      []market.Candle
	ContractSize float64
	Digits       int
}

type EquityPoint struct {
	Time    int64   `json:"time"`
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
}

// EquityCurve marks realised balance and floating equity at every candle
// close. A position floats from its entry candle until its exit time.
func EquityCurve(candles []market.Candle, positions []replay.Position, initial, contractSize float64) []EquityPoint {
	out := make([]EquityPoint, len(candles))
	for i, c := range candles {
		balance := initial
		floating := 0.0
		for _, p := range positions {
			if p.Status == replay.StatusPending {
				continue
			}
			exited := p.ExitTime != nil && *p.ExitTime <= c.Time
			if exited {
				balance += p.ClosedPnl
				continue
			}
			if p.EntryTime > 0 && p.EntryTime <= c.Time+candleSpan(candles, i)-1 {
				floating += p.PnlAt(c.Close, p.Size, contractSize)
			}
		}
		out[i] = EquityPoint{Time: c.Time, Balance: round(balance, 2), Equity: round(balance+floating, 2)}
	}
	return out
}

// candleSpan guesses a bar's length from its neighbours so entries stamped
// inside a bar count from that bar.
func candleSpan(candles []market.Candle, i int) int64 {
	switch {
	case i+1 < len(candles):
		return candles[i+1].Time - candles[i].Time
	case i > 0:
		return candles[i].Time - candles[i-1].Time
	}
	return 1
}

// RenderHTML builds a standalone echarts page for the session.
func RenderHTML(in Input) ([]byte, error) {
	if len(in.Candles) == 0 {
		return nil, fmt.Errorf("no candles to render for %s", in.Snapshot.ID)
	}
	snap := in.Snapshot
	candles := in.Candles
	xAxis := buildXAxis(candles)
	stats := summarize(snap)

	minPrice, maxPrice := priceBounds(candles)
	padding := (maxPrice - minPrice) * 0.05
	if padding <= 0 {
		padding = math.Max(math.Abs(maxPrice)*0.01, 1e-4)
	}
	decimals := in.Digits
	if decimals <= 0 {
		decimals = 5
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", klineHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s · %s", snap.Symbol, snap.Timeframe, snap.Name),
			Subtitle:      stats,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(minPrice-padding, decimals),
			Max:       round(maxPrice+padding, decimals),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", buildKlineSeries(candles))

	overlay := charts.NewLine()
	overlay.SetXAxis(xAxis)
	overlay.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	ema := indicator.Series(candles, indicator.Request{Kind: indicator.KindEMA, Period: emaPeriod})
	overlay.AddSeries(fmt.Sprintf("EMA%d", emaPeriod), toLineData(ema, decimals),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEMA, Width: 2}))
	entries, exits := tradeMarkers(candles, snap.Positions)
	overlay.AddSeries("Entry", toLineData(entries, decimals),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithLineStyleOpts(opts.LineStyle{Width: 0, Opacity: opts.Float(0)}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorEntry}))
	overlay.AddSeries("Exit", toLineData(exits, decimals),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithLineStyleOpts(opts.LineStyle{Width: 0, Opacity: opts.Float(0)}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorExit}))
	kline.Overlap(overlay)

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(kline, buildEquityChart(xAxis, EquityCurve(candles, snap.Positions, snap.InitialBalance, in.ContractSize)))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildEquityChart(xAxis []string, curve []EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", equityHeight),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Equity", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	equity := make([]float64, len(curve))
	balance := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
		balance[i] = p.Balance
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", toLineData(equity, 2), charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	line.AddSeries("Balance", toLineData(balance, 2), charts.WithLineStyleOpts(opts.LineStyle{Color: colorBalance, Width: 1}))
	return line
}

// tradeMarkers places entry and exit prices on the candle they happened in.
func tradeMarkers(candles []market.Candle, positions []replay.Position) (entries, exits []float64) {
	entries = nanSeries(len(candles))
	exits = nanSeries(len(candles))
	for _, p := range positions {
		if p.Status == replay.StatusPending {
			continue
		}
		if !p.IsFragment() && p.EntryTime > 0 {
			if i := replay.LocateVisibleIndex(candles, p.EntryTime); i >= 0 {
				entries[i] = p.EntryPrice
			}
		}
		if p.ExitTime != nil && p.ExitPrice != nil {
			if i := replay.LocateVisibleIndex(candles, *p.ExitTime); i >= 0 {
				exits[i] = *p.ExitPrice
			}
		}
	}
	return entries, exits
}

func summarize(snap replay.Snapshot) string {
	var trades, wins int
	pnl := 0.0
	for _, p := range snap.Positions {
		if p.Status != replay.StatusClosed {
			continue
		}
		trades++
		if p.ClosedPnl > 0 {
			wins++
		}
		pnl += p.ClosedPnl
	}
	parts := []string{
		fmt.Sprintf("balance %.2f", snap.Balance),
		fmt.Sprintf("net %+.2f", pnl),
		fmt.Sprintf("trades %d", trades),
	}
	if trades > 0 {
		parts = append(parts, fmt.Sprintf("win %.0f%%", float64(wins)/float64(trades)*100))
	}
	return strings.Join(parts, " | ")
}

func buildXAxis(candles []market.Candle) []string {
	x := make([]string, len(candles))
	for i, c := range candles {
		x[i] = time.UnixMilli(c.Time).UTC().Format("01-02 15:04")
	}
	return x
}

func buildKlineSeries(candles []market.Candle) []opts.KlineData {
	data := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	return data
}

func toLineData(series []float64, decimals int) []opts.LineData {
	line := make([]opts.LineData, len(series))
	for i, v := range series {
		if math.IsNaN(v) {
			line[i] = opts.LineData{Value: nil}
			continue
		}
		line[i] = opts.LineData{Value: round(v, decimals)}
	}
	return line
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func priceBounds(candles []market.Candle) (minVal, maxVal float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	minVal = candles[0].Low
	maxVal = candles[0].High
	for _, c := range candles {
		minVal = math.Min(minVal, c.Low)
		maxVal = math.Max(maxVal, c.High)
	}
	return minVal, maxVal
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

// HeadlessError wraps the failure to start headless Chrome.
type HeadlessError struct{ Err error }

func (e *HeadlessError) Error() string {
	return "headless chrome unavailable: " + e.Err.Error()
}

func (e *HeadlessError) Unwrap() error { return e.Err }

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable probes headless Chrome once per process.
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		parent, cancel := chromedp.NewContext(ctx)
		defer cancel()
		if err := chromedp.Run(parent); err != nil {
			headlessErr = &HeadlessError{Err: err}
		}
	})
	return headlessErr
}

// RenderPNG screenshots the HTML report with headless Chrome.
func RenderPNG(ctx context.Context, in Input) ([]byte, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, err
	}
	html, err := RenderHTML(in)
	if err != nil {
		return nil, err
	}
	return renderHTMLToPNG(ctx, html, chartWidthPx, klineHeightPx+equityHeight+80)
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
