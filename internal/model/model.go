// Package model holds the static description of a simulated mechanism:
// joints, the motors that drive them and the sensors that measure them.
// A Mechanism is loaded once at start-up and read-only afterwards.
package model

import (
	"errors"
	"fmt"
)

type JointKind string

const (
	Revolute  JointKind = "revolute"
	Prismatic JointKind = "prismatic"
	Fixed     JointKind = "fixed"
)

type ControllerFamily string

const (
	// FamilyPWM addresses a motor by a bare numeric port.
	FamilyPWM ControllerFamily = "pwm"
	// FamilyCAN addresses a motor by a bus id embedded in free-text
	// device names on the wire.
	FamilyCAN ControllerFamily = "can"
)

// Limits is a closed position interval in radians (revolute) or meters
// (prismatic).
type Limits struct {
	Lower float64
	Upper float64
}

type Joint struct {
	Name          string
	Kind          JointKind
	Limits        *Limits // nil for continuous joints
	VelocityLimit float64 // rad/s or m/s
	EffortLimit   float64 // Nm or N
}

type Motor struct {
	Name      string
	Archetype string
	Joint     string
	GearRatio float64
	Inverted  bool
	Family    ControllerFamily
	Address   int
	// DrumRadius converts rotary torque to linear force on prismatic
	// joints (meters).
	DrumRadius float64
}

type Sensor struct {
	Name        string
	Joint       string
	TicksPerRev int
	Addresses   []int // first entry is the wire address used for publication
	Offset      float64
}

// Address returns the sensor's primary wire address.
func (s *Sensor) Address() int {
	if len(s.Addresses) == 0 {
		return 0
	}
	return s.Addresses[0]
}

type Mechanism struct {
	Name    string
	Joints  []Joint
	Motors  []Motor
	Sensors []Sensor
}

func (m *Mechanism) LookupJoint(name string) *Joint {
	for i := range m.Joints {
		if m.Joints[i].Name == name {
			return &m.Joints[i]
		}
	}
	return nil
}

func (m *Mechanism) LookupMotor(name string) *Motor {
	for i := range m.Motors {
		if m.Motors[i].Name == name {
			return &m.Motors[i]
		}
	}
	return nil
}

func (m *Mechanism) LookupSensor(name string) *Sensor {
	for i := range m.Sensors {
		if m.Sensors[i].Name == name {
			return &m.Sensors[i]
		}
	}
	return nil
}

// Validate checks structural consistency: unique names, no dangling joint
// references, no duplicate wire addresses within a family. It reports every
// problem it finds, not just the first.
func (m *Mechanism) Validate() error {
	var errs []error

	jointKinds := make(map[string]JointKind, len(m.Joints))
	for _, j := range m.Joints {
		if _, dup := jointKinds[j.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate joint name: %s", j.Name))
		}
		jointKinds[j.Name] = j.Kind
		switch j.Kind {
		case Revolute, Prismatic, Fixed:
		default:
			errs = append(errs, fmt.Errorf("joint %q: unknown kind %q", j.Name, j.Kind))
		}
		if j.Limits != nil && j.Limits.Lower > j.Limits.Upper {
			errs = append(errs, fmt.Errorf("joint %q: lower limit %.3f above upper %.3f",
				j.Name, j.Limits.Lower, j.Limits.Upper))
		}
	}

	addresses := make(map[ControllerFamily]map[int]string)
	for _, mo := range m.Motors {
		kind, known := jointKinds[mo.Joint]
		if !known {
			errs = append(errs, fmt.Errorf("motor %q references unknown joint %q", mo.Name, mo.Joint))
		}
		if mo.GearRatio <= 0 {
			errs = append(errs, fmt.Errorf("motor %q: gear ratio must be positive, got %g", mo.Name, mo.GearRatio))
		}
		// A zero drum radius on a prismatic joint would divide the
		// linear/angular conversion by zero at runtime.
		if kind == Prismatic && mo.DrumRadius <= 0 {
			errs = append(errs, fmt.Errorf("motor %q: drum radius must be positive for prismatic joint %q, got %g",
				mo.Name, mo.Joint, mo.DrumRadius))
		}
		fam := addresses[mo.Family]
		if fam == nil {
			fam = make(map[int]string)
			addresses[mo.Family] = fam
		}
		if other, dup := fam[mo.Address]; dup {
			errs = append(errs, fmt.Errorf("motors %q and %q share %s address %d",
				other, mo.Name, mo.Family, mo.Address))
		}
		fam[mo.Address] = mo.Name
	}

	sensorAddrs := make(map[int]string)
	for _, s := range m.Sensors {
		if _, known := jointKinds[s.Joint]; !known {
			errs = append(errs, fmt.Errorf("sensor %q references unknown joint %q", s.Name, s.Joint))
		}
		if len(s.Addresses) == 0 {
			errs = append(errs, fmt.Errorf("sensor %q has no wire address", s.Name))
			continue
		}
		if other, dup := sensorAddrs[s.Address()]; dup {
			errs = append(errs, fmt.Errorf("sensors %q and %q share address %d",
				other, s.Name, s.Address()))
		}
		sensorAddrs[s.Address()] = s.Name
	}

	return errors.Join(errs...)
}

func (m *Mechanism) String() string {
	return fmt.Sprintf("%s (%d joints, %d motors, %d sensors)",
		m.Name, len(m.Joints), len(m.Motors), len(m.Sensors))
}
