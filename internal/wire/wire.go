// Package wire decodes inbound HAL simulation websocket frames into typed
// device commands and encodes outbound sensor updates. The wire carries many
// message categories this bridge does not consume; anything malformed or
// unrecognized is discarded without error.
package wire

import (
	"encoding/json"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/subsim/halbridge/internal/motor"
)

// Message is the raw frame shape shared by every category on the wire.
type Message struct {
	Type   string         `json:"type"`
	Device string         `json:"device"`
	Data   map[string]any `json:"data"`
}

// Inbound is the closed set of decoded message variants the bridge consumes.
type Inbound interface{ inbound() }

// PWMCommand is a duty-cycle command for a single-port actuator.
type PWMCommand struct {
	Port int
	Duty float64
}

// CANCommand is a duty-cycle command for a bus-addressed actuator.
type CANCommand struct {
	ID   int
	Duty float64
}

// EncoderInit is the robot code announcing an encoder channel.
type EncoderInit struct {
	Port        int
	Initialized bool
}

func (PWMCommand) inbound()  {}
func (CANCommand) inbound()  {}
func (EncoderInit) inbound() {}

// Command value fields in priority order. Duty-cycle fields are used
// directly; voltage fields are normalized by the nominal bus voltage.
var (
	dutyFields    = []string{"<speed", "<dutyCycle", "<appliedOutput", "<percentOutput"}
	voltageFields = []string{"<motorVoltage", "<busVoltage"}
)

// Adapter decodes frames, remembering which free-text device identifiers
// already failed bus-id extraction so each is logged once, not per message.
type Adapter struct {
	log       *zap.SugaredLogger
	unmatched map[string]bool
}

func NewAdapter(log *zap.Logger) *Adapter {
	return &Adapter{
		log:       log.Sugar(),
		unmatched: make(map[string]bool),
	}
}

// Decode parses a raw frame. The second return is false when the frame is
// malformed or not a category this bridge consumes.
func (a *Adapter) Decode(raw []byte) (Inbound, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false
	}

	switch msg.Type {
	case "PWM":
		port, err := strconv.Atoi(msg.Device)
		if err != nil {
			return nil, false
		}
		if init, ok := boolField(msg.Data, "<init"); ok && init {
			a.log.Debugw("pwm channel initialized by robot code", "port", port)
		}
		duty, ok := floatField(msg.Data, "<speed")
		if !ok {
			return nil, false
		}
		return PWMCommand{Port: port, Duty: duty}, true

	case "SimDevice", "CANMotor":
		id, ok := a.busID(msg.Device)
		if !ok {
			return nil, false
		}
		duty, ok := commandValue(msg.Data)
		if !ok {
			return nil, false
		}
		return CANCommand{ID: id, Duty: duty}, true

	case "Encoder":
		port, err := strconv.Atoi(msg.Device)
		if err != nil {
			return nil, false
		}
		init, ok := boolField(msg.Data, "<init")
		if !ok {
			return nil, false
		}
		return EncoderInit{Port: port, Initialized: init}, true
	}

	return nil, false
}

func (a *Adapter) busID(device string) (int, bool) {
	id, ok := ExtractBusID(device)
	if !ok && device != "" && !a.unmatched[device] {
		a.unmatched[device] = true
		a.log.Debugw("no bus id in device identifier", "device", device)
	}
	return id, ok
}

// EncoderUpdate builds the outbound sensor frame: tick count plus the pulse
// period the robot code derives rate from.
func EncoderUpdate(port, count int, period float64) Message {
	return Message{
		Type:   "Encoder",
		Device: strconv.Itoa(port),
		Data: map[string]any{
			">count":  count,
			">period": period,
		},
	}
}

// PulsePeriod is the time between encoder pulses at the given joint
// velocity, with a 1 s fallback near standstill to avoid dividing by zero.
func PulsePeriod(velocity float64, ticksPerRev int) float64 {
	if math.Abs(velocity) <= 1e-3 {
		return 1.0
	}
	pulsesPerSec := math.Abs(velocity) / (2 * math.Pi) * float64(ticksPerRev)
	if pulsesPerSec <= 0 {
		return 1.0
	}
	return 1.0 / pulsesPerSec
}

func commandValue(data map[string]any) (float64, bool) {
	for _, f := range dutyFields {
		if v, ok := floatField(data, f); ok {
			return v, true
		}
	}
	for _, f := range voltageFields {
		if v, ok := floatField(data, f); ok {
			return v / motor.NominalVoltage, true
		}
	}
	return 0, false
}

func floatField(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func boolField(data map[string]any, key string) (bool, bool) {
	v, ok := data[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
