// Package state holds the daemon's single shared mutable record: the
// configured temperature bounds, the schedule, the active manual
// override and the last applied temperature. All access goes through
// Manager, which serializes it behind one mutex.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dusklight/duskd/internal/sunsched"
)

// Mode is a requested operating mode. Auto follows the automatic
// schedule; the other modes are manual overrides.
type Mode int

const (
	Auto Mode = iota
	Day
	Night
	Sunset
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Day:
		return "day"
	case Night:
		return "night"
	case Sunset:
		return "sunset"
	default:
		return "unknown"
	}
}

// ErrUnknownMode is returned for mode strings outside auto/day/night/sunset.
var ErrUnknownMode = errors.New("unknown mode")

// ErrInvalidBounds is returned when temperature bounds are rejected.
var ErrInvalidBounds = errors.New("invalid temperature bounds")

// ParseMode parses the wire form of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return Auto, nil
	case "day":
		return Day, nil
	case "night":
		return Night, nil
	case "sunset":
		return Sunset, nil
	default:
		return Auto, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Override is an active manual mode selection. It expires at the next
// sunrise after it was installed; absence of an override means Auto.
type Override struct {
	Mode      Mode
	ExpiresAt time.Time
}

// Evaluation is the result of one scheduling pass: what to show now
// and when to look again.
type Evaluation struct {
	// Phase is the effective phase, override included.
	Phase sunsched.Phase
	// AutomaticPhase ignores any override.
	AutomaticPhase sunsched.Phase
	// Temperature is the effective target in Kelvin.
	Temperature int
	// NextWake is the next instant the schedule needs re-evaluation.
	NextWake time.Time
}

// Status is the snapshot reported over the control socket.
type Status struct {
	Type          string      `json:"type"`
	RequestedMode string      `json:"requested_mode"`
	CurrentMode   string      `json:"current_mode"`
	AutomaticMode string      `json:"automatic_mode"`
	CurrentTemp   int         `json:"current_temp"`
	LowTemp       int         `json:"low_temp"`
	HighTemp      int         `json:"high_temp"`
	Location      *[2]float64 `json:"location"`
	SunTimes      *[2]string  `json:"sun_times"`
}

// Manager owns the shared state. Command handlers and the orchestrator
// loop both go through it; no caller holds its lock across blocking
// operations.
type Manager struct {
	mu sync.Mutex

	sched     sunsched.Config
	low, high int
	requested Mode
	override  *Override

	// lastApplied is the most recent temperature pushed to outputs,
	// 0 before the first apply.
	lastApplied int

	// location is reported in status when solar scheduling is active.
	location *[2]float64
}

// NewManager builds a manager from the startup configuration.
func NewManager(sched sunsched.Config, low, high int) *Manager {
	m := &Manager{
		sched:     sched,
		low:       low,
		high:      high,
		requested: Auto,
	}
	if !sched.Fixed() {
		m.location = &[2]float64{sched.Latitude, sched.Longitude}
	}
	return m
}

// SetMode applies a mode command. Auto clears any active override;
// any other mode installs an override expiring at the next sunrise
// strictly after now.
func (m *Manager) SetMode(mode Mode, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requested = mode
	if mode == Auto {
		m.override = nil
		log.Info().Msg("Override cleared, following automatic schedule")
		return
	}
	expires := m.sched.NextSunrise(now)
	m.override = &Override{Mode: mode, ExpiresAt: expires}
	log.Info().
		Str("mode", mode.String()).
		Time("expires_at", expires).
		Msg("Mode override installed")
}

// SetTemperature updates the configured bounds. Rejected without any
// state change unless 0 < low < high.
func (m *Manager) SetTemperature(low, high int) error {
	if low <= 0 || high <= 0 || low >= high {
		return fmt.Errorf("%w: low=%d high=%d", ErrInvalidBounds, low, high)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.low = low
	m.high = high
	log.Info().Int("low", low).Int("high", high).Msg("Temperature bounds updated")
	return nil
}

// Evaluate computes the effective phase and temperature at now,
// clearing the override if it has expired.
func (m *Manager) Evaluate(now time.Time) Evaluation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(now)
}

func (m *Manager) evaluateLocked(now time.Time) Evaluation {
	stops := m.sched.StopsFor(now)
	auto := sunsched.PhaseAt(now, stops)

	ev := Evaluation{
		Phase:          auto,
		AutomaticPhase: auto,
		Temperature:    sunsched.TemperatureAt(now, stops, m.low, m.high),
		NextWake:       sunsched.NextWake(now, stops),
	}

	if m.override != nil && !now.Before(m.override.ExpiresAt) {
		log.Info().
			Str("mode", m.override.Mode.String()).
			Msg("Override expired, resuming automatic schedule")
		m.override = nil
		m.requested = Auto
	}

	if m.override == nil {
		return ev
	}

	switch m.override.Mode {
	case Day:
		ev.Phase = sunsched.Day
		ev.Temperature = m.high
	case Night:
		ev.Phase = sunsched.Night
		ev.Temperature = m.low
	case Sunset:
		// Sunset override freezes the mode, not the clock: inside the
		// live sunset window it keeps tracking the interpolation,
		// elsewhere it holds the midpoint.
		ev.Phase = sunsched.Sunset
		if !stops.Degenerate && !now.Before(stops.Sunset) && now.Before(stops.Night) {
			ev.Temperature = sunsched.Interpolate(now, stops.Sunset, stops.Night, m.high, m.low)
		} else {
			ev.Temperature = (m.low + m.high) / 2
		}
	}
	// An active override still needs timer wakeups for its own expiry.
	if m.override.ExpiresAt.Before(ev.NextWake) {
		ev.NextWake = m.override.ExpiresAt
	}
	return ev
}

// RecordApplied stores the temperature last pushed to outputs.
// Returns false when it matches the previous value, so callers can
// skip redundant protocol traffic.
func (m *Manager) RecordApplied(temp int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastApplied == temp {
		return false
	}
	m.lastApplied = temp
	return true
}

// LastApplied returns the most recently applied temperature.
func (m *Manager) LastApplied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Status builds the control-protocol snapshot at now.
func (m *Manager) Status(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := m.evaluateLocked(now)
	st := Status{
		Type:          "status",
		RequestedMode: m.requested.String(),
		CurrentMode:   ev.Phase.String(),
		AutomaticMode: ev.AutomaticPhase.String(),
		CurrentTemp:   ev.Temperature,
		LowTemp:       m.low,
		HighTemp:      m.high,
		Location:      m.location,
	}
	if sunrise, sunset, ok := m.sched.SunTimes(now); ok {
		st.SunTimes = &[2]string{sunrise, sunset}
	}
	return st
}

// Bounds returns the configured low/high temperatures.
func (m *Manager) Bounds() (low, high int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.low, m.high
}
