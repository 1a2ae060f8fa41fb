package bridge

import (
	"context"
	"runtime"
	"time"

	"github.com/subsim/halbridge/internal/model"
)

// idleSleep paces the loop when no messages are pending. Short enough that
// a 20ms tick never drifts noticeably, long enough to stay off the CPU.
const idleSleep = 500 * time.Microsecond

// Run drives the scheduler until the context is cancelled or the connection
// is lost. Both are orderly exits; only internal failures return an error.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Infow("bridge running", "mechanism", b.mech.String(),
		"tick", b.opts.TickInterval, "timestep", b.eng.Timestep())

	b.lastTick = b.now()
	housekeep := b.now()
	for {
		select {
		case <-ctx.Done():
			b.log.Infow("shutdown requested")
			return nil
		case err := <-b.conn.Err():
			b.log.Warnw("robot code disconnected", "reason", err.Error())
			return nil
		default:
		}

		handled := b.drainInbound()

		now := b.now()
		if elapsed := now.Sub(b.lastTick); elapsed >= b.opts.TickInterval {
			b.lastTick = now
			if err := b.tick(elapsed); err != nil {
				b.log.Warnw("publish failed, shutting down", "reason", err.Error())
				return nil
			}
		}

		if now.Sub(housekeep) >= b.opts.HousekeepInterval {
			housekeep = now
			b.housekeep()
		}

		if handled == 0 {
			time.Sleep(idleSleep)
		}
	}
}

// drainInbound dispatches pending frames up to the batch cap, so a chatty
// sender cannot starve the physics tick. Returns the number handled.
func (b *Bridge) drainInbound() int {
	handled := 0
	for handled < b.opts.BatchSize {
		raw, ok := b.conn.TryRecv()
		if !ok {
			break
		}
		b.handle(raw)
		handled++
	}
	return handled
}

// housekeep logs joint state for debugging and nudges the collector so
// allocation pauses land between ticks instead of inside one.
func (b *Bridge) housekeep() {
	for i := range b.mech.Joints {
		j := &b.mech.Joints[i]
		if j.Kind == model.Fixed {
			continue
		}
		pos, vel, err := b.eng.JointState(j.Name)
		if err != nil {
			continue
		}
		b.log.Debugw("joint state", "joint", j.Name, "pos", pos, "vel", vel)
	}
	runtime.GC()
}
