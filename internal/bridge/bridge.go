// Package bridge is the core of the simulator: it owns the device address
// tables built from the mechanism description, converts wire commands into
// physical forces through the motor model, steps the physics engine at a
// fixed rate and reports quantized sensor feedback.
//
// Everything mutable here (command tables, encoder publish state) is touched
// only by the goroutine running the scheduler loop, so no locking is used.
package bridge

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/subsim/halbridge/internal/model"
	"github.com/subsim/halbridge/internal/motor"
	"github.com/subsim/halbridge/internal/physics"
	"github.com/subsim/halbridge/internal/warn"
	"github.com/subsim/halbridge/internal/wire"
)

const (
	// Deadband below which a command coasts instead of braking: without
	// it, back-EMF from an idle motor fights gravity every tick.
	Deadband = 0.01

	// limitTolerance is how close to a position limit counts as "at" it.
	limitTolerance = 0.01
	// forceThreshold is the minimum clamped force considered to be
	// actively driving into a limit.
	forceThreshold = 0.1
)

// Transport is the connection surface the scheduler needs.
type Transport interface {
	TryRecv() ([]byte, bool)
	Send(v any) error
	Err() <-chan error
	Close() error
}

type Options struct {
	TickInterval      time.Duration
	BatchSize         int
	HousekeepInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 20 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.HousekeepInterval <= 0 {
		o.HousekeepInterval = 2 * time.Second
	}
}

// actuator is one row of the device address table: everything needed to
// turn a duty cycle into a joint force.
type actuator struct {
	name       string
	joint      *model.Joint
	motor      *motor.Motor
	ratio      float64
	inverted   bool
	drumRadius float64
}

// encoder is one row of the sensor table plus its publish state. The
// initialized flag flips only when the robot code announces the device and
// gates all outbound publication.
type encoder struct {
	name        string
	joint       *model.Joint
	ticksPerRev int
	offset      float64
	initialized bool
	lastCount   int
}

type Bridge struct {
	mech    *model.Mechanism
	eng     physics.Engine
	conn    Transport
	warns   *warn.Monitor
	adapter *wire.Adapter
	log     *zap.SugaredLogger
	opts    Options

	// Address tables, built once at start-up.
	pwm      map[int]*actuator
	can      map[int]*actuator
	encoders map[int]*encoder

	// Last commanded duty per address. Written on receipt, read on tick.
	pwmCommands map[int]float64
	canCommands map[int]float64

	// Per-tick force bookkeeping, raw and after the effort-limit clamp.
	raw     map[string]float64
	clamped map[string]float64

	lastTick time.Time
	now      func() time.Time
}

func New(mech *model.Mechanism, eng physics.Engine, conn Transport, warns *warn.Monitor, log *zap.Logger, opts Options) (*Bridge, error) {
	opts.applyDefaults()
	b := &Bridge{
		mech:        mech,
		eng:         eng,
		conn:        conn,
		warns:       warns,
		adapter:     wire.NewAdapter(log),
		log:         log.Sugar(),
		opts:        opts,
		pwm:         make(map[int]*actuator),
		can:         make(map[int]*actuator),
		encoders:    make(map[int]*encoder),
		pwmCommands: make(map[int]float64),
		canCommands: make(map[int]float64),
		raw:         make(map[string]float64),
		clamped:     make(map[string]float64),
		now:         time.Now,
	}

	for i := range mech.Motors {
		mo := &mech.Motors[i]
		j := mech.LookupJoint(mo.Joint)
		if j == nil {
			return nil, fmt.Errorf("motor %q references unknown joint %q", mo.Name, mo.Joint)
		}
		arch, err := motor.New(mo.Archetype)
		if err != nil {
			return nil, fmt.Errorf("motor %q: %w", mo.Name, err)
		}
		if j.Kind == model.Prismatic && mo.DrumRadius <= 0 {
			return nil, fmt.Errorf("motor %q: drum radius must be positive for prismatic joint %q, got %g",
				mo.Name, mo.Joint, mo.DrumRadius)
		}
		act := &actuator{
			name:       mo.Name,
			joint:      j,
			motor:      arch,
			ratio:      mo.GearRatio,
			inverted:   mo.Inverted,
			drumRadius: mo.DrumRadius,
		}
		table := b.pwm
		commands := b.pwmCommands
		if mo.Family == model.FamilyCAN {
			table = b.can
			commands = b.canCommands
		}
		if other, dup := table[mo.Address]; dup {
			return nil, fmt.Errorf("motors %q and %q share %s address %d", other.name, mo.Name, mo.Family, mo.Address)
		}
		table[mo.Address] = act
		commands[mo.Address] = 0
		b.log.Infow("mapped actuator", "motor", mo.Name, "joint", j.Name,
			"family", string(mo.Family), "address", mo.Address, "archetype", mo.Archetype)
	}

	for i := range mech.Sensors {
		s := &mech.Sensors[i]
		j := mech.LookupJoint(s.Joint)
		if j == nil {
			return nil, fmt.Errorf("sensor %q references unknown joint %q", s.Name, s.Joint)
		}
		addr := s.Address()
		if other, dup := b.encoders[addr]; dup {
			return nil, fmt.Errorf("sensors %q and %q share address %d", other.name, s.Name, addr)
		}
		b.encoders[addr] = &encoder{
			name:        s.Name,
			joint:       j,
			ticksPerRev: s.TicksPerRev,
			offset:      s.Offset,
		}
		b.log.Infow("mapped sensor", "sensor", s.Name, "joint", j.Name,
			"address", addr, "ticks_per_rev", s.TicksPerRev)
	}

	return b, nil
}

// handle dispatches one decoded inbound frame. Commands for addresses not
// in the tables are ignored: the wire carries devices this bridge does not
// simulate.
func (b *Bridge) handle(raw []byte) {
	in, ok := b.adapter.Decode(raw)
	if !ok {
		return
	}
	switch m := in.(type) {
	case wire.PWMCommand:
		if _, known := b.pwm[m.Port]; known {
			b.pwmCommands[m.Port] = m.Duty
		}
	case wire.CANCommand:
		if _, known := b.can[m.ID]; known {
			b.canCommands[m.ID] = m.Duty
		}
	case wire.EncoderInit:
		enc, known := b.encoders[m.Port]
		if !known || !m.Initialized || enc.initialized {
			return
		}
		enc.initialized = true
		b.log.Infow("encoder initialized by robot code", "port", m.Port, "joint", enc.joint.Name)
	}
}

// aggregate sums motor contributions per joint at the current commands.
// Commands inside the dead-band are skipped entirely so the motor coasts.
func (b *Bridge) aggregate() map[string]float64 {
	totals := make(map[string]float64)
	for addr, act := range b.pwm {
		b.accumulate(totals, act, b.pwmCommands[addr])
	}
	for addr, act := range b.can {
		b.accumulate(totals, act, b.canCommands[addr])
	}
	return totals
}

func (b *Bridge) accumulate(totals map[string]float64, act *actuator, duty float64) {
	if math.Abs(duty) < Deadband {
		return
	}
	if act.inverted {
		duty = -duty
	}
	voltage := duty * motor.NominalVoltage

	_, vel, err := b.eng.JointState(act.joint.Name)
	if err != nil {
		b.log.Debugw("joint state unavailable", "joint", act.joint.Name, "reason", err.Error())
		return
	}

	// Prismatic joints report linear velocity; the motor spins the drum.
	shaftVel := vel
	prismatic := act.joint.Kind == model.Prismatic
	if prismatic {
		shaftVel = vel / act.drumRadius
	}

	out := act.motor.Torque(voltage, shaftVel, act.ratio)
	if prismatic {
		out /= act.drumRadius
	}
	totals[act.joint.Name] += out
}

// applyForces clamps each driven joint's total to its effort limit and
// hands it to the engine. Joints nobody commanded get no force call at all,
// leaving passive dynamics unopposed.
func (b *Bridge) applyForces(totals map[string]float64) {
	clear(b.raw)
	clear(b.clamped)
	for name, force := range totals {
		j := b.mech.LookupJoint(name)
		limit := j.EffortLimit
		clamped := force
		if clamped > limit {
			clamped = limit
		} else if clamped < -limit {
			clamped = -limit
		}
		if clamped != force {
			b.warns.ForceClamped(name, force, clamped, limit)
		}
		b.raw[name] = force
		b.clamped[name] = clamped
		if err := b.eng.ApplyForce(name, clamped); err != nil {
			b.log.Debugw("apply force failed", "joint", name, "reason", err.Error())
		}
	}
}

// checkLimits emits rate-limited warnings for joints being actively driven
// into a configured position limit, and for joints moving past their
// velocity limit whatever the cause.
func (b *Bridge) checkLimits() {
	for name, force := range b.clamped {
		j := b.mech.LookupJoint(name)
		if j.Limits == nil {
			continue
		}
		pos, _, err := b.eng.JointState(name)
		if err != nil {
			continue
		}
		switch {
		case pos >= j.Limits.Upper-limitTolerance && force > forceThreshold:
			b.warns.JointAtLimit(name, pos, j.Limits.Upper, force, true)
		case pos <= j.Limits.Lower+limitTolerance && force < -forceThreshold:
			b.warns.JointAtLimit(name, pos, j.Limits.Lower, force, false)
		}
	}

	for i := range b.mech.Joints {
		j := &b.mech.Joints[i]
		if j.Kind == model.Fixed || j.VelocityLimit <= 0 {
			continue
		}
		_, vel, err := b.eng.JointState(j.Name)
		if err != nil {
			continue
		}
		if math.Abs(vel) > j.VelocityLimit {
			b.warns.OverSpeed(j.Name, vel, j.VelocityLimit)
		}
	}
}

// publishEncoders sends updates for initialized sensors whose tick count
// changed since the last publication. A send failure means the connection
// is dead and is propagated.
func (b *Bridge) publishEncoders() error {
	for addr, enc := range b.encoders {
		if !enc.initialized {
			continue
		}
		pos, vel, err := b.eng.JointState(enc.joint.Name)
		if err != nil {
			continue
		}
		revs := (pos + enc.offset) / (2 * math.Pi)
		ticks := int(revs * float64(enc.ticksPerRev))
		if ticks == enc.lastCount {
			continue
		}
		enc.lastCount = ticks

		msg := wire.EncoderUpdate(addr, ticks, wire.PulsePeriod(vel, enc.ticksPerRev))
		if err := b.conn.Send(msg); err != nil {
			return fmt.Errorf("publish encoder %d: %w", addr, err)
		}
	}
	return nil
}

// tick runs one full physics cycle: aggregate, clamp, step the elapsed
// wall-clock time as engine micro-steps, monitor limits, publish feedback.
func (b *Bridge) tick(elapsed time.Duration) error {
	b.applyForces(b.aggregate())

	substeps := int(elapsed.Seconds() / b.eng.Timestep())
	if substeps < 1 {
		substeps = 1
	}
	b.eng.Step(substeps)

	b.checkLimits()
	return b.publishEncoders()
}
