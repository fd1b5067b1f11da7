package replay

import (
	"sort"

	"replaydesk/internal/market"
)

type ClockState string

const (
	ClockStopped ClockState = "STOPPED"
	ClockPlaying ClockState = "PLAYING"
	ClockPaused  ClockState = "PAUSED"
)

const (
	MinSpeed     = 0.1
	MaxSpeed     = 1000.0
	DefaultSpeed = 1.0
)

// SpeedPresets are the multipliers offered by the faster/slower controls.
var SpeedPresets = []float64{0.5, 1, 2, 5, 10, 25, 50, 100}

// LocateVisibleIndex returns the greatest i with candles[i].Time <= cursor.
// A cursor before the first candle clamps to 0; an empty slice yields -1.
func LocateVisibleIndex(candles []market.Candle, cursor int64) int {
	if len(candles) == 0 {
		return -1
	}
	i := sort.Search(len(candles), func(i int) bool { return candles[i].Time > cursor }) - 1
	if i < 0 {
		return 0
	}
	return i
}

// Advance moves the cursor by the candle time that elapsedWallMs of wall time
// represents at the given speed: one second at 1x is one candle.
func Advance(cursor int64, elapsedWallMs, speed float64, candleDurationMs int64) int64 {
	if elapsedWallMs <= 0 || speed <= 0 || candleDurationMs <= 0 {
		return cursor
	}
	return cursor + int64(elapsedWallMs/1000*speed*float64(candleDurationMs))
}

// Clock is the replay cursor and its play/pause state machine. It is not safe
// for concurrent use; Session serialises access.
type Clock struct {
	state    ClockState
	speed    float64
	cursor   int64
	end      int64
	candleMs int64
	candles  []market.Candle
}

func NewClock() *Clock {
	return &Clock{state: ClockStopped, speed: DefaultSpeed}
}

// Load binds the clock to a candle window and leaves it PAUSED at start. The
// end bound is the smaller of sessionEnd and the last candle; sessionEnd <= 0
// means the last candle.
func (c *Clock) Load(candles []market.Candle, candleMs, start, sessionEnd int64) {
	if len(candles) == 0 {
		c.Unload()
		return
	}
	c.candles = candles
	c.candleMs = candleMs
	c.end = candles[len(candles)-1].Time
	if sessionEnd > 0 && sessionEnd < c.end {
		c.end = sessionEnd
	}
	if c.end < candles[0].Time {
		c.end = candles[0].Time
	}
	c.state = ClockPaused
	c.cursor = c.clamp(start)
}

// Unload returns to STOPPED and forgets the window.
func (c *Clock) Unload() {
	c.state = ClockStopped
	c.candles = nil
	c.cursor = 0
	c.end = 0
}

func (c *Clock) State() ClockState { return c.state }
func (c *Clock) Speed() float64    { return c.speed }
func (c *Clock) Cursor() int64     { return c.cursor }
func (c *Clock) End() int64        { return c.end }

// AtEnd reports whether the cursor has reached the end bound.
func (c *Clock) AtEnd() bool {
	return c.state != ClockStopped && c.cursor >= c.end
}

// VisibleIndex is LocateVisibleIndex for the current cursor.
func (c *Clock) VisibleIndex() int {
	return LocateVisibleIndex(c.candles, c.cursor)
}

// Play starts playback. It is a no-op when stopped or already at the end.
func (c *Clock) Play() bool {
	if c.state == ClockStopped || c.AtEnd() {
		return false
	}
	c.state = ClockPlaying
	return true
}

func (c *Clock) Pause() bool {
	if c.state != ClockPlaying {
		return false
	}
	c.state = ClockPaused
	return true
}

func (c *Clock) Toggle() bool {
	if c.state == ClockPlaying {
		return c.Pause()
	}
	return c.Play()
}

// SetSpeed clamps x into [MinSpeed, MaxSpeed]. Legal while loaded.
func (c *Clock) SetSpeed(x float64) bool {
	if x != x || x <= 0 {
		return false
	}
	if x < MinSpeed {
		x = MinSpeed
	}
	if x > MaxSpeed {
		x = MaxSpeed
	}
	c.speed = x
	return true
}

// FasterPreset moves to the next preset above the current speed.
func (c *Clock) FasterPreset() float64 {
	for _, p := range SpeedPresets {
		if p > c.speed {
			c.speed = p
			return p
		}
	}
	return c.speed
}

// SlowerPreset moves to the next preset below the current speed.
func (c *Clock) SlowerPreset() float64 {
	for i := len(SpeedPresets) - 1; i >= 0; i-- {
		if SpeedPresets[i] < c.speed {
			c.speed = SpeedPresets[i]
			return c.speed
		}
	}
	return c.speed
}

// Seek places the cursor at t, clamped into the loaded window.
func (c *Clock) Seek(t int64) bool {
	if c.state == ClockStopped {
		return false
	}
	c.cursor = c.clamp(t)
	return true
}

// Step jumps to the time of the next (dir>0) or previous (dir<0) candle. It is
// a no-op at either boundary.
func (c *Clock) Step(dir int) bool {
	if c.state == ClockStopped || dir == 0 {
		return false
	}
	idx := c.VisibleIndex()
	if dir > 0 {
		idx++
	} else {
		idx--
	}
	if idx < 0 || idx >= len(c.candles) {
		return false
	}
	t := c.candles[idx].Time
	if t > c.end {
		return false
	}
	c.cursor = t
	return true
}

// Tick advances a PLAYING clock by elapsed wall time. Hitting the end bound
// clamps the cursor and pauses playback.
func (c *Clock) Tick(elapsedWallMs float64) (int64, bool) {
	if c.state != ClockPlaying {
		return c.cursor, false
	}
	next := Advance(c.cursor, elapsedWallMs, c.speed, c.candleMs)
	if next >= c.end {
		next = c.end
		c.state = ClockPaused
	}
	changed := next != c.cursor
	c.cursor = next
	return next, changed
}

func (c *Clock) clamp(t int64) int64 {
	if len(c.candles) == 0 {
		return t
	}
	if first := c.candles[0].Time; t < first {
		return first
	}
	if t > c.end {
		return c.end
	}
	return t
}
