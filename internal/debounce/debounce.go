// Package debounce turns a stream of per-frame detections into a single
// confirmation once a face has been seen continuously for a required duration.
//
// All transitions are pure functions of the current Machine, the detection
// outcome and the time of the poll.
package debounce

import "time"

// State of a kiosk session.
type State int

const (
	Idle State = iota
	Armed
	Accumulating
	Confirmed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Accumulating:
		return "accumulating"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Event is what a step asks the caller to do.
type Event int

const (
	None Event = iota
	// Confirm means the threshold was reached. The caller stops polling and
	// records attendance.
	Confirm
)

// Machine is the explicit session value.
type Machine struct {
	State             State
	AccumulationStart time.Time
	LastTick          time.Time
	Elapsed           int
	FaceDetected      bool
	// Fired is set on the first Confirm of a session and only cleared by Arm.
	Fired bool
	// Marked is the transient acknowledgment shown after a successful write.
	Marked   bool
	MarkedAt time.Time
}

// Config holds the debounce thresholds.
type Config struct {
	Required time.Duration
	Cooldown time.Duration
}

// DefaultConfig is a 3 second hold with a 3 second acknowledgment window.
var DefaultConfig = Config{Required: 3 * time.Second, Cooldown: 3 * time.Second}

// RequiredSeconds is the threshold in whole seconds.
func (c Config) RequiredSeconds() int {
	return int(c.Required / time.Second)
}

// Arm starts a fresh session.
func (c Config) Arm(now time.Time) Machine {
	return Machine{State: Armed, LastTick: now}
}

// Step applies one poll result. Polls outside Armed/Accumulating are ignored.
func (c Config) Step(m Machine, detected bool, now time.Time) (Machine, Event) {
	if m.State != Armed && m.State != Accumulating {
		return m, None
	}
	m.LastTick = now

	if !detected {
		// a single missed frame resets the whole window
		m.State = Armed
		m.AccumulationStart = time.Time{}
		m.Elapsed = 0
		m.FaceDetected = false
		return m, None
	}

	if m.AccumulationStart.IsZero() {
		m.AccumulationStart = now
	}
	m.State = Accumulating
	m.FaceDetected = true
	m.Elapsed = int(now.Sub(m.AccumulationStart) / time.Second)

	if m.Elapsed >= c.RequiredSeconds() && !m.Fired {
		m.State = Confirmed
		m.Fired = true
		return m, Confirm
	}
	return m, None
}

// Acknowledge sets the marked flag after attendance was written.
func (c Config) Acknowledge(m Machine, now time.Time) Machine {
	m.Marked = true
	m.MarkedAt = now
	return m
}

// Fail drops a confirmed session back to Idle without acknowledgment.
func (c Config) Fail(m Machine) Machine {
	if m.State == Confirmed {
		m.State = Idle
	}
	m.AccumulationStart = time.Time{}
	m.Elapsed = 0
	m.FaceDetected = false
	return m
}

// Expire applies the cooldown: once it has passed since acknowledgment the
// marked flag, timer and detected flag reset. Polling is not resumed.
func (c Config) Expire(m Machine, now time.Time) Machine {
	if !m.Marked || now.Sub(m.MarkedAt) < c.Cooldown {
		return m
	}
	m.Marked = false
	m.MarkedAt = time.Time{}
	m.Elapsed = 0
	m.FaceDetected = false
	m.AccumulationStart = time.Time{}
	if m.State == Confirmed {
		m.State = Idle
	}
	return m
}

// Disarm ends the session. The marked flag is left to its cooldown.
func (c Config) Disarm(m Machine) Machine {
	m.State = Idle
	m.AccumulationStart = time.Time{}
	m.Elapsed = 0
	m.FaceDetected = false
	return m
}
