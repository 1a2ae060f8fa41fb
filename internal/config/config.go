// Package config loads a mechanism description from YAML or JSON. All
// configuration errors surface before any connection attempt, naming the
// offending entity.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/subsim/halbridge/internal/model"
	"github.com/subsim/halbridge/internal/motor"
)

const (
	DefaultGearRatio     = 1.0
	DefaultVelocityLimit = 10.0
	DefaultEffortLimit   = 100.0
	DefaultDrumRadius    = 0.019 // ~1.5" drum, typical for small mechanisms
	DefaultTicksPerRev   = 2048
)

type jointFile struct {
	Name          string     `yaml:"name" json:"name"`
	Kind          string     `yaml:"type" json:"type"`
	Limits        *[]float64 `yaml:"limits" json:"limits"`
	VelocityLimit *float64   `yaml:"velocity_limit" json:"velocity_limit"`
	EffortLimit   *float64   `yaml:"effort_limit" json:"effort_limit"`
}

type motorFile struct {
	Name       string   `yaml:"name" json:"name"`
	Archetype  string   `yaml:"type" json:"type"`
	Joint      string   `yaml:"joint" json:"joint"`
	GearRatio  *float64 `yaml:"gear_ratio" json:"gear_ratio"`
	Controller string   `yaml:"controller_type" json:"controller_type"`
	Address    int      `yaml:"hal_port" json:"hal_port"`
	Inverted   bool     `yaml:"inverted" json:"inverted"`
	DrumRadius *float64 `yaml:"drum_radius" json:"drum_radius"`
}

type sensorFile struct {
	Name        string  `yaml:"name" json:"name"`
	Joint       string  `yaml:"joint" json:"joint"`
	Addresses   []int   `yaml:"hal_ports" json:"hal_ports"`
	TicksPerRev *int    `yaml:"ticks_per_rev" json:"ticks_per_rev"`
	Offset      float64 `yaml:"offset" json:"offset"`
}

type mechanismFile struct {
	Name    string       `yaml:"name" json:"name"`
	Joints  []jointFile  `yaml:"joints" json:"joints"`
	Motors  []motorFile  `yaml:"motors" json:"motors"`
	Sensors []sensorFile `yaml:"sensors" json:"sensors"`
}

// Load reads a mechanism from path (.yaml/.yml or .json by extension) and
// validates it.
func Load(path string) (*model.Mechanism, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw mechanismFile
	switch ext := filepath.Ext(path); ext {
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .json or .yaml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	mech, err := build(&raw)
	if err != nil {
		return nil, err
	}
	if mech.Name == "" {
		base := filepath.Base(path)
		mech.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	return mech, nil
}

func build(raw *mechanismFile) (*model.Mechanism, error) {
	mech := &model.Mechanism{Name: raw.Name}

	for _, jf := range raw.Joints {
		j := model.Joint{
			Name:          jf.Name,
			Kind:          model.JointKind(jf.Kind),
			VelocityLimit: DefaultVelocityLimit,
			EffortLimit:   DefaultEffortLimit,
		}
		if jf.VelocityLimit != nil {
			j.VelocityLimit = *jf.VelocityLimit
		}
		if jf.EffortLimit != nil {
			j.EffortLimit = *jf.EffortLimit
		}
		if jf.Limits != nil {
			lim := *jf.Limits
			if len(lim) != 2 {
				return nil, fmt.Errorf("joint %q: limits must be [lower, upper], got %v", jf.Name, lim)
			}
			j.Limits = &model.Limits{Lower: lim[0], Upper: lim[1]}
		}
		mech.Joints = append(mech.Joints, j)
	}

	for _, mf := range raw.Motors {
		family := model.ControllerFamily(mf.Controller)
		if family == "" {
			family = model.FamilyPWM
		}
		if family != model.FamilyPWM && family != model.FamilyCAN {
			return nil, fmt.Errorf("motor %q: unknown controller type %q", mf.Name, mf.Controller)
		}
		// Archetype existence is part of fail-fast validation.
		if _, err := motor.New(mf.Archetype); err != nil {
			return nil, fmt.Errorf("motor %q: %w", mf.Name, err)
		}
		m := model.Motor{
			Name:       mf.Name,
			Archetype:  mf.Archetype,
			Joint:      mf.Joint,
			GearRatio:  DefaultGearRatio,
			Inverted:   mf.Inverted,
			Family:     family,
			Address:    mf.Address,
			DrumRadius: DefaultDrumRadius,
		}
		if mf.GearRatio != nil {
			m.GearRatio = *mf.GearRatio
		}
		if mf.DrumRadius != nil {
			m.DrumRadius = *mf.DrumRadius
		}
		mech.Motors = append(mech.Motors, m)
	}

	for _, sf := range raw.Sensors {
		s := model.Sensor{
			Name:        sf.Name,
			Joint:       sf.Joint,
			Addresses:   sf.Addresses,
			TicksPerRev: DefaultTicksPerRev,
			Offset:      sf.Offset,
		}
		if sf.TicksPerRev != nil {
			s.TicksPerRev = *sf.TicksPerRev
		}
		mech.Sensors = append(mech.Sensors, s)
	}

	if err := mech.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return mech, nil
}
