// Package sunsched turns a location (or fixed sunrise/sunset clock
// times) and an instant into a day phase, a target color temperature
// and the next instant worth waking up for. All functions are pure.
package sunsched

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Phase classifies an instant within the daily cycle. The four phases
// partition the 24h cycle: Night before dawn and after the night stop,
// Sunrise between dawn and the sunrise instant, Day until the sunset
// instant, Sunset until the night stop.
type Phase int

const (
	Night Phase = iota
	Sunrise
	Day
	Sunset
)

func (p Phase) String() string {
	switch p {
	case Night:
		return "night"
	case Sunrise:
		return "sunrise"
	case Day:
		return "day"
	case Sunset:
		return "sunset"
	default:
		return "unknown"
	}
}

// pollInterval is how often the temperature is re-evaluated while
// inside a transition window. Short enough that the interpolation
// looks continuous, long enough to avoid needless wakeups.
const pollInterval = 10 * time.Second

// ClockTime is a wall-clock time of day, used for fixed sunrise/sunset
// configuration.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("time %q out of range", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// on anchors the clock time to the calendar day of t.
func (c ClockTime) on(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

// Config is the schedule configuration. When FixedSunrise and
// FixedSunset are set they are used verbatim for every day; otherwise
// sunrise/sunset are computed from Latitude/Longitude for the date.
type Config struct {
	Latitude     float64
	Longitude    float64
	FixedSunrise *ClockTime
	FixedSunset  *ClockTime
	Duration     time.Duration
}

// Fixed reports whether the schedule uses fixed clock times instead of
// solar computation.
func (c Config) Fixed() bool {
	return c.FixedSunrise != nil && c.FixedSunset != nil
}

// Stops are the four boundaries of the daily cycle for one day. Dawn
// and Night frame the Sunrise and Sunset transition windows:
// Dawn = Sunrise - Duration, Night = Sunset + Duration.
type Stops struct {
	Dawn    time.Time
	Sunrise time.Time
	Sunset  time.Time
	Night   time.Time

	// Degenerate marks days without a usable sunrise/sunset pair
	// (polar conditions). The schedule falls back to a constant
	// temperature with a safety re-evaluation at the next midnight.
	Degenerate bool
}

// StopsFor computes the day stops for the calendar day containing now.
func (c Config) StopsFor(now time.Time) Stops {
	if c.Fixed() {
		sunrise := c.FixedSunrise.on(now)
		sunset := c.FixedSunset.on(now)
		if !sunset.After(sunrise) {
			return Stops{Degenerate: true}
		}
		return Stops{
			Dawn:    sunrise.Add(-c.Duration),
			Sunrise: sunrise,
			Sunset:  sunset,
			Night:   sunset.Add(c.Duration),
		}
	}

	times := suncalc.GetTimes(now, c.Latitude, c.Longitude)
	sunrise := times[suncalc.Sunrise].Value.In(now.Location())
	sunset := times[suncalc.Sunset].Value.In(now.Location())
	if !plausibleSunTimes(now, sunrise, sunset) {
		return Stops{Degenerate: true}
	}
	return Stops{
		Dawn:    sunrise.Add(-c.Duration),
		Sunrise: sunrise,
		Sunset:  sunset,
		Night:   sunset.Add(c.Duration),
	}
}

// plausibleSunTimes rejects the values suncalc produces for polar
// days/nights, where the sun never crosses the horizon.
func plausibleSunTimes(now, sunrise, sunset time.Time) bool {
	if sunrise.IsZero() || sunset.IsZero() {
		return false
	}
	if !sunset.After(sunrise) {
		return false
	}
	const window = 48 * time.Hour
	if sunrise.Sub(now) > window || now.Sub(sunrise) > window {
		return false
	}
	return sunset.Sub(sunrise) < 24*time.Hour
}

// PhaseAt classifies now against the day stops.
func PhaseAt(now time.Time, stops Stops) Phase {
	if stops.Degenerate {
		return Night
	}
	switch {
	case now.Before(stops.Dawn):
		return Night
	case now.Before(stops.Sunrise):
		return Sunrise
	case now.Before(stops.Sunset):
		return Day
	case now.Before(stops.Night):
		return Sunset
	default:
		return Night
	}
}

// TemperatureAt returns the target temperature at now: low during
// Night, high during Day, linearly interpolated inside the Sunrise and
// Sunset windows.
func TemperatureAt(now time.Time, stops Stops, low, high int) int {
	if stops.Degenerate {
		return low
	}
	switch {
	case now.Before(stops.Dawn):
		return low
	case now.Before(stops.Sunrise):
		return Interpolate(now, stops.Dawn, stops.Sunrise, low, high)
	case now.Before(stops.Sunset):
		return high
	case now.Before(stops.Night):
		return Interpolate(now, stops.Sunset, stops.Night, high, low)
	default:
		return low
	}
}

// Interpolate maps now's position in [start, stop] onto [a, b],
// clamped to the interval.
func Interpolate(now, start, stop time.Time, a, b int) int {
	if !stop.After(start) {
		return b
	}
	t := float64(now.Sub(start)) / float64(stop.Sub(start))
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	v := float64(a) + float64(b-a)*t
	return int(v + 0.5)
}

// NextWake returns the earliest future instant at which the phase or
// interpolated temperature changes visibly: the next window boundary,
// a short poll interval inside a window, or the next local midnight
// once the day is over (also the degenerate-day fallback).
func NextWake(now time.Time, stops Stops) time.Time {
	if stops.Degenerate {
		return nextMidnight(now)
	}
	switch {
	case now.Before(stops.Dawn):
		return stops.Dawn
	case now.Before(stops.Sunrise):
		return now.Add(pollInterval)
	case now.Before(stops.Sunset):
		return stops.Sunset
	case now.Before(stops.Night):
		return now.Add(pollInterval)
	default:
		return nextMidnight(now)
	}
}

// NextSunrise returns the first sunrise instant strictly after now.
// Used as the expiry of manual mode overrides. On degenerate days it
// falls back to 24 hours from now.
func (c Config) NextSunrise(now time.Time) time.Time {
	today := c.StopsFor(now)
	if !today.Degenerate && today.Sunrise.After(now) {
		return today.Sunrise
	}
	tomorrow := c.StopsFor(now.AddDate(0, 0, 1))
	if tomorrow.Degenerate {
		return now.Add(24 * time.Hour)
	}
	return tomorrow.Sunrise
}

// SunTimes returns the configured or computed sunrise/sunset wall
// clock times for now's day, for status reporting. ok is false on
// degenerate days.
func (c Config) SunTimes(now time.Time) (sunrise, sunset string, ok bool) {
	stops := c.StopsFor(now)
	if stops.Degenerate {
		return "", "", false
	}
	return stops.Sunrise.Format("15:04"), stops.Sunset.Format("15:04"), true
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
