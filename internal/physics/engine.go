// Package physics defines the narrow interface the bridge drives a
// rigid-body solver through, and a small built-in single-axis rig used when
// no external solver is attached.
package physics

// Engine is the solver surface the bridge needs: read joint state, apply a
// force for the next step batch, advance fixed micro-steps.
type Engine interface {
	// JointState returns position (rad or m) and velocity (rad/s or m/s).
	JointState(joint string) (pos, vel float64, err error)
	// ApplyForce sets the torque/force acting on a joint for the next
	// Step call. Magnitude is Nm for revolute joints, N for prismatic.
	ApplyForce(joint string, magnitude float64) error
	// Step advances n fixed-length micro-steps.
	Step(n int)
	// Timestep is the length of one micro-step in seconds.
	Timestep() float64
	// Close releases solver resources.
	Close() error
}
