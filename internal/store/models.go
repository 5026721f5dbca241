package store

import "time"

// Driver is identified by name; names are unique without regard to case.
type Driver struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a recording window bound to a driver. Its ID is the start
// timestamp in Unix milliseconds.
type Session struct {
	ID     int64      `json:"id"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Driver string     `json:"driver"`
}

// Active reports whether the session is still open for samples.
func (s Session) Active() bool { return s.End == nil }

// Contains reports whether ts falls inside [Start, End).
func (s Session) Contains(ts time.Time) bool {
	if ts.Before(s.Start) {
		return false
	}
	return s.End == nil || ts.Before(*s.End)
}

// Sample is one tick's decoded values. Throttle and FuelRate are nil when
// the vehicle did not report them.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Speed     int       `json:"speed"`
	RPM       int       `json:"rpm"`
	Throttle  *float64  `json:"throttle,omitempty"`
	FuelRate  *float64  `json:"fuelRate,omitempty"`
}

// Stats summarizes one session.
type Stats struct {
	Session     int64   `json:"session"`
	Samples     int     `json:"samples"`
	AvgSpeed    float64 `json:"avgSpeed"`
	MaxSpeed    int     `json:"maxSpeed"`
	AvgRPM      float64 `json:"avgRpm"`
	MaxRPM      int     `json:"maxRpm"`
	AvgThrottle float64 `json:"avgThrottle"`
	MaxThrottle float64 `json:"maxThrottle"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationSec float64 `json:"durationSec"`
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
