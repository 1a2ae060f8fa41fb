// Package motor implements the electrical model of brushed/brushless DC
// motors from published stall and free-speed specs. The model is pure:
// torque is a function of applied voltage and shaft velocity only.
package motor

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	// NominalVoltage is the bus voltage commands are scaled against.
	NominalVoltage = 12.0
	// GearboxEfficiency is applied to every geared output.
	GearboxEfficiency = 0.8
)

// Spec holds the published datasheet numbers for a motor archetype.
type Spec struct {
	FreeSpeedRPM float64
	StallTorque  float64 // Nm
	StallCurrent float64 // A
	FreeCurrent  float64 // A
}

var specs = map[string]Spec{
	"krakenx60": {FreeSpeedRPM: 6000, StallTorque: 7.09, StallCurrent: 366, FreeCurrent: 2.0},
	"neo":       {FreeSpeedRPM: 5676, StallTorque: 2.6, StallCurrent: 105, FreeCurrent: 1.8},
	"neo550":    {FreeSpeedRPM: 11000, StallTorque: 0.97, StallCurrent: 100, FreeCurrent: 1.4},
	"neovortex": {FreeSpeedRPM: 6784, StallTorque: 3.6, StallCurrent: 211, FreeCurrent: 1.2},
	"falcon500": {FreeSpeedRPM: 6380, StallTorque: 4.69, StallCurrent: 257, FreeCurrent: 1.5},
	"cim":       {FreeSpeedRPM: 5330, StallTorque: 2.41, StallCurrent: 131, FreeCurrent: 2.7},
	"minicim":   {FreeSpeedRPM: 5840, StallTorque: 1.41, StallCurrent: 89, FreeCurrent: 3.0},
	"bag":       {FreeSpeedRPM: 13180, StallTorque: 0.43, StallCurrent: 53, FreeCurrent: 1.8},
	"venom":     {FreeSpeedRPM: 6000, StallTorque: 2.4, StallCurrent: 120, FreeCurrent: 2.0},
}

// Known returns the archetype names in sorted order.
func Known() []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Motor is an immutable archetype instance with derived electrical
// constants, shared safely across joints.
type Motor struct {
	Name      string
	Spec      Spec
	FreeSpeed float64 // rad/s at nominal voltage
	Kv        float64 // rad/s per volt
	Kt        float64 // Nm per amp
	R         float64 // ohms
}

func New(name string) (*Motor, error) {
	spec, ok := specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown motor archetype: %s (known: %s)",
			name, strings.Join(Known(), ", "))
	}
	free := spec.FreeSpeedRPM * 2 * math.Pi / 60
	return &Motor{
		Name:      name,
		Spec:      spec,
		FreeSpeed: free,
		Kv:        free / NominalVoltage,
		Kt:        spec.StallTorque / spec.StallCurrent,
		R:         NominalVoltage / spec.StallCurrent,
	}, nil
}

// Torque computes output torque for an applied voltage and the velocity of
// the output shaft. The voltage is clamped to ±nominal and the current to
// ±stall. Zero velocity is the ordinary stall case.
func (m *Motor) Torque(voltage, velocity, gearRatio float64) float64 {
	voltage = clamp(voltage, -NominalVoltage, NominalVoltage)
	shaftVelocity := velocity * gearRatio
	backEMF := shaftVelocity / m.Kv
	current := clamp((voltage-backEMF)/m.R, -m.Spec.StallCurrent, m.Spec.StallCurrent)
	return m.Kt * current * gearRatio * GearboxEfficiency
}

// MaxTorque is the stall torque through the given reduction.
func (m *Motor) MaxTorque(gearRatio float64) float64 {
	return m.Spec.StallTorque * gearRatio * GearboxEfficiency
}

// MaxSpeed is the no-load output shaft speed through the given reduction.
func (m *Motor) MaxSpeed(gearRatio float64) float64 {
	return m.FreeSpeed / gearRatio
}

func (m *Motor) String() string {
	return fmt.Sprintf("%s (%.0f rpm free, %.2f Nm stall)", m.Name, m.Spec.FreeSpeedRPM, m.Spec.StallTorque)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
