package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/transport"
)

// fakeConn is an in-memory channel. The test plays the server through
// push, expectType and serverClose.
type fakeConn struct {
	in         chan []byte
	out        chan []byte
	done       chan struct{}
	once       sync.Once
	mu         sync.Mutex
	err        error
	closed     atomic.Bool
	code       atomic.Int64
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	if c.closed.Load() {
		return errors.New("write on closed channel")
	}
	if c.failWrites.Load() {
		return errors.New("write: broken pipe")
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.code.CompareAndSwap(0, int64(code))
	c.shut(&transport.CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) shut(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.closed.Store(true)
		close(c.done)
	})
}

// serverClose simulates the peer closing with code.
func (c *fakeConn) serverClose(code int) {
	c.shut(&transport.CloseError{Code: code})
}

// drop simulates an abrupt network loss.
func (c *fakeConn) drop() {
	c.shut(errors.New("connection reset by peer"))
}

func (c *fakeConn) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

// next returns the next frame written by the client.
func (c *fakeConn) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case data := <-c.out:
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("client wrote undecodable frame %s: %v", data, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return nil
	}
}

// expectType skips heartbeats until a frame of type typ arrives.
func (c *fakeConn) expectType(t *testing.T, typ protocol.Type) protocol.Frame {
	t.Helper()
	for {
		f := c.next(t)
		if f.FrameType() == typ {
			return f
		}
		if f.FrameType() != protocol.TypePing {
			t.Fatalf("got %s, want %s", f.FrameType(), typ)
		}
	}
}

func (c *fakeConn) isClosed() bool { return c.closed.Load() }

// fakeDialer hands out fakeConns and fails the first failN dials (or
// every dial when failAll is set).
type fakeDialer struct {
	conns   chan *fakeConn
	dials   atomic.Int64
	failN   atomic.Int64
	failAll atomic.Bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.dials.Add(1)
	if d.failAll.Load() {
		return nil, errors.New("dial: connection refused")
	}
	if d.failN.Load() > 0 {
		d.failN.Add(-1)
		return nil, errors.New("dial: connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// expectNoDial fails if a dial happens within d.
func (d *fakeDialer) expectNoDial(t *testing.T, wait time.Duration) {
	t.Helper()
	before := d.dials.Load()
	time.Sleep(wait)
	if after := d.dials.Load(); after != before {
		t.Fatalf("unexpected dial: %d -> %d", before, after)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
