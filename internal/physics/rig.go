package physics

import (
	"fmt"

	"github.com/subsim/halbridge/internal/model"
)

// DefaultTimestep matches the 240 Hz micro-step most rigid-body solvers
// default to.
const DefaultTimestep = 1.0 / 240.0

const (
	defaultInertia = 1.0
	defaultDamping = 0.5
)

type rigJoint struct {
	pos     float64
	vel     float64
	inertia float64
	damping float64
	bias    float64 // constant external load, e.g. gravity moment
	limits  *model.Limits
	force   float64 // applied for the current step batch
}

// Rig integrates each joint as an independent 1-DOF body with semi-implicit
// Euler: enough to exercise motors, limits and encoders without a full
// solver. Applied forces persist for one Step call and are then cleared.
type Rig struct {
	timestep float64
	joints   map[string]*rigJoint
	order    []string
}

func NewRig() *Rig {
	return &Rig{
		timestep: DefaultTimestep,
		joints:   make(map[string]*rigJoint),
	}
}

// NewRigFor builds a rig with one body per non-fixed joint of the
// mechanism.
func NewRigFor(mech *model.Mechanism) *Rig {
	r := NewRig()
	for i := range mech.Joints {
		j := &mech.Joints[i]
		if j.Kind == model.Fixed {
			continue
		}
		r.AddJoint(j.Name, defaultInertia, defaultDamping, j.Limits)
	}
	return r
}

func (r *Rig) AddJoint(name string, inertia, damping float64, limits *model.Limits) {
	if inertia <= 0 {
		inertia = defaultInertia
	}
	r.joints[name] = &rigJoint{inertia: inertia, damping: damping, limits: limits}
	r.order = append(r.order, name)
}

// SetBias installs a constant load on the joint (gravity moment, spring).
func (r *Rig) SetBias(name string, bias float64) error {
	j, ok := r.joints[name]
	if !ok {
		return fmt.Errorf("unknown joint: %s", name)
	}
	j.bias = bias
	return nil
}

// SetJointState overwrites position and velocity, e.g. to pose the
// mechanism before running.
func (r *Rig) SetJointState(name string, pos, vel float64) error {
	j, ok := r.joints[name]
	if !ok {
		return fmt.Errorf("unknown joint: %s", name)
	}
	j.pos, j.vel = pos, vel
	return nil
}

func (r *Rig) JointState(name string) (float64, float64, error) {
	j, ok := r.joints[name]
	if !ok {
		return 0, 0, fmt.Errorf("unknown joint: %s", name)
	}
	return j.pos, j.vel, nil
}

func (r *Rig) ApplyForce(name string, magnitude float64) error {
	j, ok := r.joints[name]
	if !ok {
		return fmt.Errorf("unknown joint: %s", name)
	}
	j.force = magnitude
	return nil
}

func (r *Rig) Step(n int) {
	dt := r.timestep
	for i := 0; i < n; i++ {
		for _, name := range r.order {
			j := r.joints[name]
			acc := (j.force + j.bias - j.damping*j.vel) / j.inertia
			j.vel += acc * dt
			j.pos += j.vel * dt
			if j.limits != nil {
				if j.pos >= j.limits.Upper {
					j.pos = j.limits.Upper
					if j.vel > 0 {
						j.vel = 0
					}
				} else if j.pos <= j.limits.Lower {
					j.pos = j.limits.Lower
					if j.vel < 0 {
						j.vel = 0
					}
				}
			}
		}
	}
	for _, j := range r.joints {
		j.force = 0
	}
}

func (r *Rig) Timestep() float64 { return r.timestep }

func (r *Rig) Close() error { return nil }
