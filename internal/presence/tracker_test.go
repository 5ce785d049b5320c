package presence

import (
	"testing"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
)

func TestLateStatusRejected(t *testing.T) {
	tr := NewTracker(nil, nil)
	if !tr.ApplyStatus("7", StatusOnline, 100, 100, Normal) {
		t.Fatal("first update rejected")
	}
	if tr.ApplyStatus("7", StatusOffline, 90, 90, Normal) {
		t.Error("late update accepted")
	}
	e, _ := tr.Get("7")
	if e.Status != StatusOnline {
		t.Errorf("status = %s, want online", e.Status)
	}
}

func TestEqualTimestampApplied(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ApplyStatus("7", StatusOnline, 100, 100, Normal)
	if !tr.ApplyStatus("7", StatusOffline, 100, 100, Normal) {
		t.Error("update with equal timestamp rejected")
	}
}

func TestHighPriorityDisconnectWins(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ApplyStatus("7", StatusOnline, 100, 100, Normal)
	tr.ApplyActiveConversation("7", "m1", true, 100)

	tr.Disconnect("7", 90)

	e, _ := tr.Get("7")
	if e.Status != StatusOffline {
		t.Errorf("status = %s, want offline", e.Status)
	}
	if e.ActiveConversation != "" {
		t.Errorf("active conversation = %q, want cleared", e.ActiveConversation)
	}
	if tr.IsUserInConversation("7", "m1") {
		t.Error("IsUserInConversation() = true after disconnect")
	}
	// The clock does not rewind: a stale online at 95 is still rejected.
	if tr.ApplyStatus("7", StatusOnline, 95, 95, Normal) {
		t.Error("stale update accepted after forced disconnect")
	}
}

func TestLastSeenMonotonic(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ApplyStatus("7", StatusOnline, 500, 100, Normal)
	tr.ApplyStatus("7", StatusOffline, 400, 200, Normal)
	e, _ := tr.Get("7")
	if e.LastSeen != 500 {
		t.Errorf("lastSeen = %d, want 500", e.LastSeen)
	}
}

// TestFocusIndependentOfStatus checks the two timestamps are tracked
// separately: a slow heartbeat stamped earlier does not undo a fast
// "entered conversation" and vice versa.
func TestFocusIndependentOfStatus(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ApplyActiveConversation("7", "m1", true, 200)
	if !tr.ApplyStatus("7", StatusOnline, 150, 150, Normal) {
		t.Error("status at 150 rejected by focus timestamp 200")
	}
	if !tr.IsUserInConversation("7", "m1") {
		t.Error("status update clobbered focus")
	}

	if tr.ApplyActiveConversation("7", "m1", false, 180) {
		t.Error("stale leave accepted")
	}
	if !tr.ApplyActiveConversation("7", "m2", false, 210) {
		t.Error("leave of other conversation rejected")
	}
	if !tr.IsUserInConversation("7", "m1") {
		t.Error("leaving m2 cleared m1")
	}
	tr.ApplyActiveConversation("7", "m1", false, 220)
	if tr.IsUserInConversation("7", "m1") {
		t.Error("leave not applied")
	}
}

func TestChangedEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(EventChanged, 10)
	defer unsub()

	tr := NewTracker(b, nil)
	tr.ApplyStatus("7", StatusOnline, 100, 100, Normal)
	// No-op repeat publishes nothing.
	tr.ApplyStatus("7", StatusOnline, 100, 101, Normal)

	select {
	case evt := <-ch:
		e := evt.Payload.(Entry)
		if e.UserID != "7" || e.Status != StatusOnline {
			t.Errorf("payload = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for presence.changed")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event %+v", evt.Payload)
	default:
	}
}

func TestSnapshotAndReset(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.ApplyStatus("9", StatusOnline, 1, 1, Normal)
	tr.ApplyStatus("7", StatusOnline, 1, 1, Normal)

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "7" {
		t.Errorf("Snapshot() = %+v", snap)
	}
	tr.Reset()
	if _, ok := tr.Get("7"); ok {
		t.Error("entry survived Reset")
	}
}
