// Package warn tracks physical-safety conditions observed during
// simulation. Warnings are observational, never fatal: they are rate
// limited, kept in a bounded history and fanned out to optional callbacks.
package warn

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	AtUpperLimit  Kind = "at_upper_limit"
	AtLowerLimit  Kind = "at_lower_limit"
	ForceClamped  Kind = "force_clamped"
	VelocityLimit Kind = "velocity_limit"
	Collision     Kind = "collision"
)

// Event is an immutable warning record.
type Event struct {
	Kind      Kind
	Joint     string
	Message   string
	Timestamp time.Time
	Payload   map[string]float64
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Joint, e.Message)
}

type Callback func(Event)

// Monitor is the central warning sink. A joint resting on its limit would
// warn every tick, so repeats of the same (kind, joint) pair within the
// cooldown are suppressed.
type Monitor struct {
	history   []Event
	maxEvents int
	cooldown  time.Duration
	lastEmit  map[string]time.Time
	callbacks []Callback
	log       *zap.SugaredLogger
	now       func() time.Time
}

func NewMonitor(log *zap.Logger, historySize int, cooldown time.Duration) *Monitor {
	if historySize <= 0 {
		historySize = 100
	}
	return &Monitor{
		history:   make([]Event, 0, historySize),
		maxEvents: historySize,
		cooldown:  cooldown,
		lastEmit:  make(map[string]time.Time),
		log:       log.Sugar(),
		now:       time.Now,
	}
}

func (m *Monitor) AddCallback(cb Callback) {
	m.callbacks = append(m.callbacks, cb)
}

// Warn records an event unless the same (kind, joint) pair fired within the
// cooldown. Returns nil when suppressed.
func (m *Monitor) Warn(kind Kind, joint, message string, payload map[string]float64) *Event {
	key := string(kind) + ":" + joint
	now := m.now()
	if last, ok := m.lastEmit[key]; ok && now.Sub(last) < m.cooldown {
		return nil
	}
	m.lastEmit[key] = now

	ev := Event{
		Kind:      kind,
		Joint:     joint,
		Message:   message,
		Timestamp: now,
		Payload:   payload,
	}

	m.history = append(m.history, ev)
	if len(m.history) > m.maxEvents {
		m.history = m.history[len(m.history)-m.maxEvents:]
	}

	m.log.Warnw("simulation warning", "kind", string(kind), "joint", joint, "detail", message)

	for _, cb := range m.callbacks {
		cb(ev)
	}
	return &ev
}

// JointAtLimit reports force driving a joint into a configured position
// limit.
func (m *Monitor) JointAtLimit(joint string, position, limit, force float64, upper bool) *Event {
	kind := AtLowerLimit
	side := "lower"
	if upper {
		kind = AtUpperLimit
		side = "upper"
	}
	msg := fmt.Sprintf("at %s limit (%.3f) with %.1f N pushing into limit", side, limit, abs(force))
	return m.Warn(kind, joint, msg, map[string]float64{
		"position": position,
		"limit":    limit,
		"force":    force,
	})
}

// ForceClamped reports a per-joint total that exceeded the effort limit.
func (m *Monitor) ForceClamped(joint string, requested, clamped, limit float64) *Event {
	msg := fmt.Sprintf("force clamped from %.1f N to %.1f N (limit %.1f N)", requested, clamped, limit)
	return m.Warn(ForceClamped, joint, msg, map[string]float64{
		"requested": requested,
		"clamped":   clamped,
		"limit":     limit,
	})
}

// OverSpeed reports a joint moving faster than its configured velocity
// limit.
func (m *Monitor) OverSpeed(joint string, velocity, limit float64) *Event {
	msg := fmt.Sprintf("velocity %.2f exceeds limit %.2f", abs(velocity), limit)
	return m.Warn(VelocityLimit, joint, msg, map[string]float64{
		"velocity": velocity,
		"limit":    limit,
	})
}

// History returns recorded events, most recent first. A zero kind means no
// filter; limit <= 0 means all.
func (m *Monitor) History(limit int, kind Kind) []Event {
	out := make([]Event, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		ev := m.history[i]
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Active returns the most recent warning per joint, no older than maxAge.
func (m *Monitor) Active(maxAge time.Duration) map[string]Event {
	now := m.now()
	active := make(map[string]Event)
	for i := len(m.history) - 1; i >= 0; i-- {
		ev := m.history[i]
		if now.Sub(ev.Timestamp) > maxAge {
			break
		}
		if _, ok := active[ev.Joint]; !ok {
			active[ev.Joint] = ev
		}
	}
	return active
}

func (m *Monitor) Clear() {
	m.history = m.history[:0]
	m.lastEmit = make(map[string]time.Time)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
