package ledger

import "time"

// Forecast statuses.
const (
	StatusOnTrack       = "on_track"
	StatusIncreaseDrain = "increase_drain_rate_or_reduce_scope"
)

// DefaultBacklogFloor is the depth below which the backlog counts as
// drained.
const DefaultBacklogFloor = 10

// Forecast compares the time needed to drain the backlog below the
// floor against the time remaining until the quiet period starts.
type Forecast struct {
	BacklogDepth    int       `json:"backlog_depth"`
	BacklogFloor    int       `json:"backlog_floor"`
	DrainRatePerSec float64   `json:"drain_rate_per_sec"`
	FloorReachable  bool      `json:"floor_reachable"`
	MinutesToFloor  float64   `json:"minutes_to_floor"`
	MinutesToQuiet  float64   `json:"minutes_to_quiet"`
	BufferMinutes   float64   `json:"buffer_minutes"`
	QuietStart      time.Time `json:"quiet_start"`
	Status          string    `json:"status"`
}

// ComputeForecast projects the drain against the quiet-period deadline.
// The buffer is signed: negative means the backlog will not reach the
// floor in time at the current rate.
func ComputeForecast(backlog int, ratePerSec float64, floor int, now, quietStart time.Time) Forecast {
	f := Forecast{
		BacklogDepth:    backlog,
		BacklogFloor:    floor,
		DrainRatePerSec: ratePerSec,
		QuietStart:      quietStart,
		MinutesToQuiet:  quietStart.Sub(now).Minutes(),
	}

	switch {
	case backlog <= floor:
		f.FloorReachable = true
		f.MinutesToFloor = 0
	case ratePerSec > 0:
		f.FloorReachable = true
		f.MinutesToFloor = float64(backlog-floor) / (ratePerSec * 60)
	default:
		// Rate zero and backlog above floor: the drain never finishes.
		f.FloorReachable = false
	}

	if f.FloorReachable {
		f.BufferMinutes = f.MinutesToQuiet - f.MinutesToFloor
	}

	if f.FloorReachable && f.BufferMinutes >= 0 {
		f.Status = StatusOnTrack
	} else {
		f.Status = StatusIncreaseDrain
	}
	return f
}
