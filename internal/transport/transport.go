// Package transport owns the websocket connection to the robot code:
// retrying connect, non-blocking receive, send, and disconnect detection.
//
// The external process may take minutes to build and start, so Dial retries
// on a fixed interval within a bounded budget. Once established, a lost
// connection is terminal and reported on Err.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	// RetryInterval between connect attempts.
	RetryInterval time.Duration
	// MaxAttempts bounds the connect budget.
	MaxAttempts int
	// RecvBuffer is the inbound message channel capacity.
	RecvBuffer int
}

func (o *Options) applyDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 60
	}
	if o.RecvBuffer <= 0 {
		o.RecvBuffer = 256
	}
}

// Conn is an established connection. Reads happen on an internal goroutine
// feeding a buffered channel; everything the caller touches is safe from a
// single goroutine.
type Conn struct {
	ws      *websocket.Conn
	msgs    chan []byte
	errs    chan error
	log     *zap.SugaredLogger
	dropped int64
}

// Dial connects to the wire protocol endpoint, retrying until the budget is
// spent. The attempt log is intermittent rather than per-try.
func Dial(ctx context.Context, url string, opts Options, log *zap.Logger) (*Conn, error) {
	opts.applyDefaults()
	slog := log.Sugar()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			slog.Infow("connected to robot code", "url", url, "attempt", attempt)
			c := &Conn{
				ws:   ws,
				msgs: make(chan []byte, opts.RecvBuffer),
				errs: make(chan error, 1),
				log:  slog,
			}
			go c.readLoop()
			return c, nil
		}
		lastErr = err
		if attempt == 1 || attempt%6 == 0 {
			slog.Infow("waiting for robot code", "url", url, "attempt", attempt, "reason", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
	return nil, fmt.Errorf("connect %s: budget of %d attempts exhausted: %w", url, opts.MaxAttempts, lastErr)
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
			return
		}
		select {
		case c.msgs <- data:
		default:
			// Bursty sender outran the scheduler; dropping is the
			// bounded-latency choice.
			c.dropped++
			if c.dropped%1000 == 1 {
				c.log.Warnw("receive buffer full, dropping messages", "dropped", c.dropped)
			}
		}
	}
}

// TryRecv returns a pending message without blocking.
func (c *Conn) TryRecv() ([]byte, bool) {
	select {
	case m := <-c.msgs:
		return m, true
	default:
		return nil, false
	}
}

// Send writes v as a JSON text message.
func (c *Conn) Send(v any) error {
	return c.ws.WriteJSON(v)
}

// Err reports a terminal read failure, i.e. the robot code went away.
func (c *Conn) Err() <-chan error {
	return c.errs
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
