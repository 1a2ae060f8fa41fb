package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/subsim/halbridge/internal/model"
	"github.com/subsim/halbridge/internal/motor"
	"github.com/subsim/halbridge/internal/warn"
	"github.com/subsim/halbridge/internal/wire"
)

// fakeEngine records applied forces and serves scripted joint states.
type fakeEngine struct {
	pos     map[string]float64
	vel     map[string]float64
	applied map[string][]float64
	steps   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		pos:     make(map[string]float64),
		vel:     make(map[string]float64),
		applied: make(map[string][]float64),
	}
}

func (e *fakeEngine) JointState(joint string) (float64, float64, error) {
	return e.pos[joint], e.vel[joint], nil
}

func (e *fakeEngine) ApplyForce(joint string, magnitude float64) error {
	e.applied[joint] = append(e.applied[joint], magnitude)
	return nil
}

func (e *fakeEngine) Step(n int)        { e.steps += n }
func (e *fakeEngine) Timestep() float64 { return 1.0 / 240.0 }
func (e *fakeEngine) Close() error      { return nil }

// fakeTransport records outbound messages and serves queued inbound frames
// through TryRecv.
type fakeTransport struct {
	inbound chan []byte
	sent    []wire.Message
	errs    chan error
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		errs:    make(chan error, 1),
	}
}

func (f *fakeTransport) TryRecv() ([]byte, bool) {
	select {
	case m := <-f.inbound:
		return m, true
	default:
		return nil, false
	}
}

func (f *fakeTransport) Send(v any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v.(wire.Message))
	return nil
}

func (f *fakeTransport) Err() <-chan error { return f.errs }
func (f *fakeTransport) Close() error      { return nil }

func armMechanism() *model.Mechanism {
	return &model.Mechanism{
		Name: "test_arm",
		Joints: []model.Joint{
			{
				Name:          "shoulder",
				Kind:          model.Revolute,
				Limits:        &model.Limits{Lower: -math.Pi / 2, Upper: math.Pi / 2},
				VelocityLimit: 10,
				EffortLimit:   80,
			},
			{
				Name:          "lift",
				Kind:          model.Prismatic,
				VelocityLimit: 2,
				EffortLimit:   400,
			},
		},
		Motors: []model.Motor{
			{Name: "shoulder_pwm", Archetype: "neo", Joint: "shoulder",
				GearRatio: 60, Family: model.FamilyPWM, Address: 0, DrumRadius: 0.019},
			{Name: "shoulder_can", Archetype: "falcon500", Joint: "shoulder",
				GearRatio: 20, Inverted: true, Family: model.FamilyCAN, Address: 5, DrumRadius: 0.019},
			{Name: "lift_motor", Archetype: "krakenx60", Joint: "lift",
				GearRatio: 9, Family: model.FamilyPWM, Address: 3, DrumRadius: 0.025},
		},
		Sensors: []model.Sensor{
			{Name: "shoulder_enc", Joint: "shoulder", TicksPerRev: 2048, Addresses: []int{1}},
		},
	}
}

func pwmFrame(port int, duty float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"PWM","device":"%d","data":{"<speed":%g}}`, port, duty))
}

func canFrame(device string, duty float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"SimDevice","device":"%s","data":{"<appliedOutput":%g}}`, device, duty))
}

func encoderInitFrame(port int) []byte {
	return []byte(fmt.Sprintf(`{"type":"Encoder","device":"%d","data":{"<init":true}}`, port))
}

var _ = Describe("Bridge", func() {
	var (
		eng *fakeEngine
		tr  *fakeTransport
		mon *warn.Monitor
		b   *Bridge
	)

	BeforeEach(func() {
		eng = newFakeEngine()
		tr = newFakeTransport()
		mon = warn.NewMonitor(zap.NewNop(), 100, time.Second)

		var err error
		b, err = New(armMechanism(), eng, tr, mon, zap.NewNop(), Options{})
		Expect(err).NotTo(HaveOccurred())
	})

	tick := func() {
		Expect(b.tick(20 * time.Millisecond)).To(Succeed())
	}

	It("rejects duplicate wire addresses at construction", func() {
		mech := armMechanism()
		mech.Motors[2].Address = 0
		_, err := New(mech, eng, tr, mon, zap.NewNop(), Options{})
		Expect(err).To(MatchError(ContainSubstring("share pwm address 0")))
	})

	It("rejects a prismatic motor without a drum radius at construction", func() {
		mech := armMechanism()
		mech.Motors[2].DrumRadius = 0
		_, err := New(mech, eng, tr, mon, zap.NewNop(), Options{})
		Expect(err).To(MatchError(ContainSubstring("drum radius must be positive")))
	})

	It("steps the engine in fixed substeps covering the elapsed time", func() {
		tick()
		Expect(eng.steps).To(Equal(4)) // 20ms at 1/240s per step
	})

	Describe("command handling", func() {
		It("coasts on commands inside the dead-band", func() {
			b.handle(pwmFrame(0, 0.009))
			tick()
			Expect(eng.applied).To(BeEmpty())
		})

		It("ignores commands for unmapped addresses", func() {
			b.handle(pwmFrame(9, 1.0))
			b.handle(canFrame("SPARK MAX [7]", 1.0))
			tick()
			Expect(eng.applied).To(BeEmpty())
		})

		It("sums both controller families driving a shared joint", func() {
			b.handle(pwmFrame(0, 0.5))
			b.handle(canFrame("Talon FX - 5 (v6) Sim State", 0.2))
			tick()

			neo, err := motor.New("neo")
			Expect(err).NotTo(HaveOccurred())
			falcon, err := motor.New("falcon500")
			Expect(err).NotTo(HaveOccurred())
			want := neo.Torque(0.5*motor.NominalVoltage, 0, 60) +
				falcon.Torque(-0.2*motor.NominalVoltage, 0, 20) // inverted

			Expect(eng.applied["shoulder"]).To(HaveLen(1))
			Expect(eng.applied["shoulder"][0]).To(BeNumerically("~", want, 1e-9))
		})

		It("clamps the joint total to the effort limit and records the event", func() {
			b.handle(pwmFrame(0, 1.0))
			tick()

			Expect(eng.applied["shoulder"]).To(HaveLen(1))
			Expect(eng.applied["shoulder"][0]).To(Equal(80.0))

			events := mon.History(0, warn.ForceClamped)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Joint).To(Equal("shoulder"))
			Expect(events[0].Payload["clamped"]).To(Equal(80.0))
			Expect(events[0].Payload["requested"]).To(BeNumerically(">", 80.0))
		})

		It("converts prismatic commands through the drum radius", func() {
			eng.vel["lift"] = 0.5
			b.handle(pwmFrame(3, 0.5))
			tick()

			kraken, err := motor.New("krakenx60")
			Expect(err).NotTo(HaveOccurred())
			shaftVel := 0.5 / 0.025
			want := kraken.Torque(0.5*motor.NominalVoltage, shaftVel, 9) / 0.025

			// The converted force (~436 N) exceeds the 400 N effort
			// limit: the raw total carries the conversion, the engine
			// sees the clamp.
			Expect(want).To(BeNumerically(">", 400.0))
			Expect(b.raw["lift"]).To(BeNumerically("~", want, 1e-9))
			Expect(eng.applied["lift"]).To(HaveLen(1))
			Expect(eng.applied["lift"][0]).To(Equal(400.0))
			Expect(mon.History(0, warn.ForceClamped)).To(HaveLen(1))
		})

		It("holds the last command across ticks", func() {
			b.handle(pwmFrame(0, 0.3))
			tick()
			tick()
			Expect(eng.applied["shoulder"]).To(HaveLen(2))
		})
	})

	Describe("limit monitoring", func() {
		It("warns once when driven into the upper limit", func() {
			eng.pos["shoulder"] = math.Pi/2 - 0.001
			b.handle(pwmFrame(0, 1.0))
			tick()
			tick() // within cooldown, suppressed

			events := mon.History(0, warn.AtUpperLimit)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Payload["limit"]).To(BeNumerically("~", math.Pi/2, 1e-9))
		})

		It("warns on the lower limit only when pushed into it", func() {
			eng.pos["shoulder"] = -math.Pi/2 + 0.001
			b.handle(pwmFrame(0, 1.0)) // pushing away from the lower limit
			tick()
			Expect(mon.History(0, warn.AtLowerLimit)).To(BeEmpty())

			b.handle(pwmFrame(0, -1.0))
			tick()
			Expect(mon.History(0, warn.AtLowerLimit)).To(HaveLen(1))
		})

		It("warns when a joint overruns its velocity limit", func() {
			eng.vel["shoulder"] = 12.0
			tick()

			events := mon.History(0, warn.VelocityLimit)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Joint).To(Equal("shoulder"))
		})
	})

	Describe("encoder feedback", func() {
		It("publishes nothing before the robot code announces the channel", func() {
			eng.pos["shoulder"] = 0.5
			tick()
			Expect(tr.sent).To(BeEmpty())
		})

		It("publishes on change and suppresses unchanged counts", func() {
			b.handle(encoderInitFrame(1))
			eng.pos["shoulder"] = 0.5
			tick()

			Expect(tr.sent).To(HaveLen(1))
			Expect(tr.sent[0].Type).To(Equal("Encoder"))
			Expect(tr.sent[0].Device).To(Equal("1"))
			wantTicks := int(eng.pos["shoulder"] / (2 * math.Pi) * 2048)
			Expect(tr.sent[0].Data[">count"]).To(Equal(wantTicks))

			tick() // same position, no new frame
			Expect(tr.sent).To(HaveLen(1))

			eng.pos["shoulder"] = 0.6
			tick()
			Expect(tr.sent).To(HaveLen(2))
		})

		It("reports the standstill pulse period near zero velocity", func() {
			b.handle(encoderInitFrame(1))
			eng.pos["shoulder"] = 0.5
			tick()
			Expect(tr.sent[0].Data[">period"]).To(Equal(1.0))
		})

		It("propagates a send failure", func() {
			b.handle(encoderInitFrame(1))
			eng.pos["shoulder"] = 0.5
			tr.sendErr = errors.New("broken pipe")
			err := b.tick(20 * time.Millisecond)
			Expect(err).To(MatchError(ContainSubstring("publish encoder 1")))
		})
	})

	Describe("Run", func() {
		It("caps each receive batch and dispatches in arrival order", func() {
			for i := 0; i < 40; i++ {
				tr.inbound <- pwmFrame(0, 0.02+float64(i)*0.01)
			}

			Expect(b.drainInbound()).To(Equal(32))
			Expect(b.pwmCommands[0]).To(BeNumerically("~", 0.33, 1e-9))

			Expect(b.drainInbound()).To(Equal(8))
			Expect(b.pwmCommands[0]).To(BeNumerically("~", 0.41, 1e-9))

			Expect(b.drainInbound()).To(BeZero())
		})

		It("dispatches pending frames before exiting", func() {
			tr.inbound <- pwmFrame(0, 0.5)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- b.Run(ctx) }()

			Eventually(func() int { return len(tr.inbound) }).Should(BeZero())
			cancel()
			Eventually(done).Should(Receive(BeNil()))
			Expect(b.pwmCommands[0]).To(Equal(0.5))
		})

		It("exits cleanly when the connection is lost", func() {
			done := make(chan error, 1)
			go func() { done <- b.Run(context.Background()) }()
			tr.errs <- errors.New("connection reset")
			Eventually(done).Should(Receive(BeNil()))
		})

		It("exits cleanly on context cancellation", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- b.Run(ctx) }()
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
