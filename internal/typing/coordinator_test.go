package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/protocol"
)

type sink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *sink) send(f protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return true
}

func (s *sink) typing() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bool
	for _, f := range s.frames {
		if ts, ok := f.(*protocol.TypingStatus); ok {
			out = append(out, ts.IsTyping)
		}
	}
	return out
}

func (s *sink) focus() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bool
	for _, f := range s.frames {
		if ac, ok := f.(*protocol.ActiveChat); ok {
			out = append(out, ac.Active)
		}
	}
	return out
}

func fast() Options {
	return Options{Refresh: 40 * time.Millisecond, Debounce: 30 * time.Millisecond, Expiry: 40 * time.Millisecond}
}

func TestStartTransmitsImmediatelyOnce(t *testing.T) {
	s := &sink{}
	c := New(s.send, Options{Refresh: time.Hour})
	defer c.Reset()

	c.Start("m1")
	c.Start("m1")
	c.Start("m1")
	if got := s.typing(); len(got) != 1 || !got[0] {
		t.Errorf("frames = %v, want [true]", got)
	}
	if !c.IsLocalTyping("m1") {
		t.Error("IsLocalTyping() = false")
	}
}

func TestRefreshReasserts(t *testing.T) {
	s := &sink{}
	c := New(s.send, fast())
	defer c.Reset()

	c.Start("m1")
	time.Sleep(110 * time.Millisecond)
	got := s.typing()
	if len(got) < 2 {
		t.Fatalf("frames = %v, want refreshes", got)
	}
	for _, v := range got {
		if !v {
			t.Errorf("refresh sent isTyping=false")
		}
	}
}

func TestStopIsDebounced(t *testing.T) {
	s := &sink{}
	c := New(s.send, Options{Refresh: time.Hour, Debounce: 30 * time.Millisecond})
	defer c.Reset()

	c.Start("m1")
	c.Stop("m1")
	if got := s.typing(); len(got) != 1 {
		t.Fatalf("stop transmitted immediately: %v", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := s.typing(); len(got) != 2 || got[1] {
		t.Errorf("frames = %v, want [true false]", got)
	}
	if c.IsLocalTyping("m1") {
		t.Error("still typing after stop")
	}
}

// TestStartCancelsPendingStop covers a short pause between keystrokes:
// no "stopped" frame is sent and the indicator never flickers.
func TestStartCancelsPendingStop(t *testing.T) {
	s := &sink{}
	c := New(s.send, Options{Refresh: time.Hour, Debounce: 40 * time.Millisecond})
	defer c.Reset()

	c.Start("m1")
	c.Stop("m1")
	time.Sleep(10 * time.Millisecond)
	c.Start("m1")
	time.Sleep(80 * time.Millisecond)
	if got := s.typing(); len(got) != 1 || !got[0] {
		t.Errorf("frames = %v, want [true]", got)
	}
}

func TestStartWinsOverFiredStop(t *testing.T) {
	s := &sink{}
	c := New(s.send, Options{Refresh: time.Hour, Debounce: 10 * time.Millisecond})
	defer c.Reset()

	c.Start("m1")
	c.Stop("m1")
	// Hold the lock past the debounce so the stop timer fires and waits,
	// then restart typing before it gets the lock.
	c.mu.Lock()
	time.Sleep(40 * time.Millisecond)
	c.startLocked("m1")
	c.mu.Unlock()
	time.Sleep(40 * time.Millisecond)

	if got := s.typing(); len(got) != 1 || !got[0] {
		t.Errorf("frames = %v, want [true]", got)
	}
	if !c.IsLocalTyping("m1") {
		t.Error("IsLocalTyping() = false after restart")
	}
}

func TestActiveConversationLeaveDebounced(t *testing.T) {
	s := &sink{}
	c := New(s.send, Options{Debounce: 30 * time.Millisecond})
	defer c.Reset()

	c.SetActiveConversation("m1", true)
	c.SetActiveConversation("m1", false)
	c.SetActiveConversation("m1", true)
	time.Sleep(60 * time.Millisecond)
	if got := s.focus(); len(got) != 1 || !got[0] {
		t.Fatalf("frames = %v, want [true]", got)
	}

	c.SetActiveConversation("m1", false)
	time.Sleep(60 * time.Millisecond)
	if got := s.focus(); len(got) != 2 || got[1] {
		t.Errorf("frames = %v, want [true false]", got)
	}
}

func TestObserveExpires(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(EventChanged, 10)
	defer unsub()

	opts := fast()
	opts.Bus = b
	c := New((&sink{}).send, opts)
	defer c.Reset()

	c.Observe("m1", "7", true)
	if users := c.Typing("m1"); len(users) != 1 || users[0] != "7" {
		t.Fatalf("Typing() = %v", users)
	}

	var events []Indicator
	timeout := time.After(time.Second)
	for len(events) < 2 {
		select {
		case evt := <-ch:
			events = append(events, evt.Payload.(Indicator))
		case <-timeout:
			t.Fatalf("events = %+v, want start and expiry", events)
		}
	}
	if !events[0].Typing || events[1].Typing {
		t.Errorf("events = %+v", events)
	}
	if users := c.Typing("m1"); len(users) != 0 {
		t.Errorf("Typing() after expiry = %v", users)
	}
}

func TestResetSilencesTimers(t *testing.T) {
	s := &sink{}
	c := New(s.send, fast())

	c.Start("m1")
	c.Stop("m1")
	c.SetActiveConversation("m2", true)
	c.SetActiveConversation("m2", false)
	c.Observe("m1", "7", true)
	c.Reset()

	time.Sleep(120 * time.Millisecond)
	if got := s.typing(); len(got) != 1 {
		t.Errorf("typing frames after reset = %v", got)
	}
	if got := s.focus(); len(got) != 1 {
		t.Errorf("focus frames after reset = %v", got)
	}
	if c.IsLocalTyping("m1") || len(c.Typing("m1")) != 0 {
		t.Error("state survived Reset")
	}
}
