package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replaydesk/internal/logger"
	"replaydesk/internal/market"
	"replaydesk/internal/pkg/circuit"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Options tune the protections Feed wraps around a Source.
type Options struct {
	RatePerMinute    int
	Burst            int
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RatePerMinute <= 0 {
		o.RatePerMinute = 8
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = time.Minute
	}
	return o
}

// Feed wraps a Source with request dedupe, a rate limiter, retry on rate
// limiting and a circuit breaker. It implements Source itself.
type Feed struct {
	source  Source
	opts    Options
	limiter *rate.Limiter
	breaker *circuit.Breaker
	group   singleflight.Group
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewFeed(source Source, opts Options) *Feed {
	opts = opts.withDefaults()
	return &Feed{
		source:  source,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), opts.Burst),
		breaker: circuit.New(source.Name(), opts.BreakerThreshold, opts.BreakerCooldown),
		sleep:   sleepCtx,
	}
}

func (f *Feed) Name() string { return f.source.Name() }

// Breaker exposes the breaker state for status endpoints.
func (f *Feed) Breaker() *circuit.Breaker { return f.breaker }

// FetchSegment shares one upstream call between identical concurrent
// requests. Every caller gets its own copy of the candles. The shared call is
// detached from any single caller's cancellation; a cancelled caller stops
// waiting while the others still receive the result.
func (f *Feed) FetchSegment(ctx context.Context, req SegmentRequest) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	key := fmt.Sprintf("%s|%s|%s|%d|%d|%d", f.source.Name(), req.Symbol, req.Timeframe.Key, req.StartDate, req.EndDate, req.OutputSize)
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(key, func() (any, error) {
		return f.fetchWithRetry(detached, req)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Segment{}, res.Err
	}
	seg := res.Val.(Segment)
	if res.Shared {
		logger.Debugf("[feed] %s shared in-flight request %s", f.source.Name(), key)
	}
	return Segment{Candles: append([]market.Candle(nil), seg.Candles...), Err: seg.Err}, nil
}

func (f *Feed) fetchWithRetry(ctx context.Context, req SegmentRequest) (Segment, error) {
	backoff := f.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return Segment{}, err
		}
		var seg Segment
		err := f.breaker.Do(func() error {
			var ferr error
			seg, ferr = f.source.FetchSegment(ctx, req)
			return ferr
		}, isContextErr)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= f.opts.MaxRetries {
			return Segment{}, fmt.Errorf("%s 拉取失败: %w", f.source.Name(), err)
		}
		logger.Warnf("[feed] %s rate limited, retry %d/%d in %s", f.source.Name(), attempt+1, f.opts.MaxRetries, backoff)
		if err := f.sleep(ctx, backoff); err != nil {
			return Segment{}, err
		}
		backoff *= 2
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
