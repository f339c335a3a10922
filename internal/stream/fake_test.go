package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/timeutil"
)

type inbound struct {
	kind FrameKind
	data []byte
}

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	in        chan inbound
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	writes    []string
	closeErr  error
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan inbound, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (FrameKind, []byte, error) {
	select {
	case f := <-c.in:
		return f.kind, f.data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return TextFrame, nil, c.closeErr
	case <-ctx.Done():
		return TextFrame, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.writes = append(c.writes, string(p))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	c.end(&CloseError{Code: code, Reason: reason})
	return nil
}

// serverClose simulates the backend ending the connection.
func (c *fakeConn) serverClose(err error) {
	c.end(err)
}

func (c *fakeConn) end(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) text(s string) { c.in <- inbound{kind: TextFrame, data: []byte(s)} }

func (c *fakeConn) binary(b []byte) { c.in <- inbound{kind: BinaryFrame, data: b} }

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) ClosedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeDialer hands out queued results; once the queue is empty every dial
// fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) queue(conn *fakeConn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, dialResult{conn: conn, err: err})
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// recorder captures everything a Handlers set receives.
type recorder struct {
	mu       sync.Mutex
	events   []StatusEvent
	messages []Envelope
	binary   [][]byte
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(_ ride.CameraType, env Envelope) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, env)
		},
		OnBinary: func(_ ride.CameraType, b []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.binary = append(r.binary, b)
		},
		OnStatus: func(ev StatusEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		},
	}
}

func (r *recorder) Events() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

func (r *recorder) Messages() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.messages...)
}

func (r *recorder) Binary() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.binary...)
}

func (r *recorder) last() StatusEvent {
	ev := r.Events()
	if len(ev) == 0 {
		return StatusEvent{}
	}
	return ev[len(ev)-1]
}

func (r *recorder) waitFor(t *testing.T, state ConnState, n int) StatusEvent {
	t.Helper()
	matching := func() []StatusEvent {
		var out []StatusEvent
		for _, ev := range r.Events() {
			if ev.State == state {
				out = append(out, ev)
			}
		}
		return out
	}
	require.Eventually(t, func() bool {
		return len(matching()) >= n
	}, time.Second, time.Millisecond, "waiting for %d %s events", n, state)
	return matching()[n-1]
}

var epoch = time.Date(2025, 7, 25, 17, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *fakeDialer, *timeutil.MockClock) {
	t.Helper()
	d := &fakeDialer{}
	clock := timeutil.NewMockClock(epoch)
	opts := DefaultOptions()
	reg, err := NewRegistry(d, clock, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(reg.DisconnectAll)
	return reg, d, clock
}
