// Package typing debounces outgoing typing and conversation-focus
// signals and expires incoming typing indicators.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/matchwire/internal/bus"
	"github.com/matheus3301/matchwire/internal/protocol"
	"go.uber.org/zap"
)

// EventChanged is published with an Indicator when a remote user starts
// or stops typing.
const EventChanged = "typing.changed"

// SendFunc hands a frame to the connection. Its result (sent or queued)
// is informational only.
type SendFunc func(protocol.Frame) bool

// Indicator is the typing state of one remote user in one conversation.
type Indicator struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
	Typing  bool   `json:"typing"`
}

// Options configures a Coordinator. Zero durations take the defaults.
type Options struct {
	Refresh  time.Duration
	Debounce time.Duration
	Expiry   time.Duration
	Bus      *bus.Bus
	Logger   *zap.Logger
}

type outgoing struct {
	typing  bool
	refresh *time.Timer
	stop    *time.Timer
}

type focus struct {
	active bool
	leave  *time.Timer
}

type remoteKey struct{ matchID, userID string }

// Coordinator owns every typing and focus timer. All timers carry the
// generation they were armed under; Reset bumps it so late fires no-op.
type Coordinator struct {
	mu       sync.Mutex
	gen      uint64
	outgoing map[string]*outgoing
	focus    map[string]*focus
	remote   map[remoteKey]*time.Timer

	send SendFunc
	opts Options
	bus  *bus.Bus
	log  *zap.Logger
}

// New creates a coordinator transmitting through send.
func New(send SendFunc, opts Options) *Coordinator {
	if opts.Refresh <= 0 {
		opts.Refresh = 4 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 800 * time.Millisecond
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 6 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		outgoing: make(map[string]*outgoing),
		focus:    make(map[string]*focus),
		remote:   make(map[remoteKey]*time.Timer),
		send:     send,
		opts:     opts,
		bus:      opts.Bus,
		log:      logger.Named("typing"),
	}
}

// Start asserts that the local user is typing in matchID. The first call
// of an act of typing transmits immediately and arms the refresh timer;
// later calls only cancel a pending stop.
func (c *Coordinator) Start(matchID string) {
	c.mu.Lock()
	first := c.startLocked(matchID)
	c.mu.Unlock()

	if first {
		c.send(&protocol.TypingStatus{MatchID: protocol.ID(matchID), IsTyping: true})
	}
}

// startLocked reports whether this call began an act of typing.
func (c *Coordinator) startLocked(matchID string) bool {
	st, ok := c.outgoing[matchID]
	if !ok {
		st = &outgoing{}
		c.outgoing[matchID] = st
	}
	if st.stop != nil {
		st.stop.Stop()
		st.stop = nil
	}
	if st.typing {
		return false
	}
	st.typing = true
	c.armRefresh(matchID, st, c.gen)
	return true
}

// armRefresh must be called with c.mu held.
func (c *Coordinator) armRefresh(matchID string, st *outgoing, gen uint64) {
	st.refresh = time.AfterFunc(c.opts.Refresh, func() {
		c.mu.Lock()
		if c.gen != gen || c.outgoing[matchID] != st || !st.typing {
			c.mu.Unlock()
			return
		}
		c.armRefresh(matchID, st, gen)
		c.mu.Unlock()
		c.send(&protocol.TypingStatus{MatchID: protocol.ID(matchID), IsTyping: true})
	})
}

// Stop schedules "stopped typing" after the debounce window. A Start
// inside the window cancels it.
func (c *Coordinator) Stop(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.outgoing[matchID]
	if !ok || !st.typing || st.stop != nil {
		return
	}
	gen := c.gen
	var timer *time.Timer
	timer = time.AfterFunc(c.opts.Debounce, func() {
		c.mu.Lock()
		// A Start after the timer fired clears or replaces st.stop.
		if c.gen != gen || c.outgoing[matchID] != st || st.stop != timer {
			c.mu.Unlock()
			return
		}
		if st.refresh != nil {
			st.refresh.Stop()
		}
		delete(c.outgoing, matchID)
		c.mu.Unlock()
		c.send(&protocol.TypingStatus{MatchID: protocol.ID(matchID), IsTyping: false})
	})
	st.stop = timer
}

// IsLocalTyping reports whether the local user is asserted as typing.
func (c *Coordinator) IsLocalTyping(matchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.outgoing[matchID]
	return ok && st.typing
}

// SetActiveConversation signals conversation focus. Entering is sent at
// once; leaving is debounced like Stop so quick switches do not flicker.
func (c *Coordinator) SetActiveConversation(matchID string, active bool) {
	c.mu.Lock()
	fs, ok := c.focus[matchID]
	if !ok {
		fs = &focus{}
		c.focus[matchID] = fs
	}
	if active {
		if fs.leave != nil {
			fs.leave.Stop()
			fs.leave = nil
		}
		if fs.active {
			c.mu.Unlock()
			return
		}
		fs.active = true
		c.mu.Unlock()
		c.send(&protocol.ActiveChat{MatchID: protocol.ID(matchID), Active: true})
		return
	}

	if !fs.active || fs.leave != nil {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	var timer *time.Timer
	timer = time.AfterFunc(c.opts.Debounce, func() {
		c.mu.Lock()
		if c.gen != gen || c.focus[matchID] != fs || fs.leave != timer {
			c.mu.Unlock()
			return
		}
		delete(c.focus, matchID)
		c.mu.Unlock()
		c.send(&protocol.ActiveChat{MatchID: protocol.ID(matchID), Active: false})
	})
	fs.leave = timer
	c.mu.Unlock()
}

// Observe records an inbound typing indicator. A typing indicator that
// is not refreshed within the expiry window is cleared.
func (c *Coordinator) Observe(matchID, userID string, typing bool) {
	key := remoteKey{matchID, userID}
	c.mu.Lock()
	t, had := c.remote[key]
	if had {
		t.Stop()
		delete(c.remote, key)
	}
	if typing {
		gen := c.gen
		var timer *time.Timer
		timer = time.AfterFunc(c.opts.Expiry, func() {
			c.mu.Lock()
			if c.gen != gen || c.remote[key] != timer {
				c.mu.Unlock()
				return
			}
			delete(c.remote, key)
			c.mu.Unlock()
			c.log.Debug("typing indicator expired", zap.String("match_id", matchID), zap.String("user_id", userID))
			c.bus.Emit(EventChanged, Indicator{MatchID: matchID, UserID: userID, Typing: false})
		})
		c.remote[key] = timer
	}
	c.mu.Unlock()

	if typing != had {
		c.bus.Emit(EventChanged, Indicator{MatchID: matchID, UserID: userID, Typing: typing})
	}
}

// Typing returns the users currently typing in matchID.
func (c *Coordinator) Typing(matchID string) []string {
	c.mu.Lock()
	var users []string
	for k := range c.remote {
		if k.matchID == matchID {
			users = append(users, k.userID)
		}
	}
	c.mu.Unlock()
	sort.Strings(users)
	return users
}

// Reset cancels every timer without transmitting anything.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, st := range c.outgoing {
		if st.refresh != nil {
			st.refresh.Stop()
		}
		if st.stop != nil {
			st.stop.Stop()
		}
	}
	for _, fs := range c.focus {
		if fs.leave != nil {
			fs.leave.Stop()
		}
	}
	for _, t := range c.remote {
		t.Stop()
	}
	c.outgoing = make(map[string]*outgoing)
	c.focus = make(map[string]*focus)
	c.remote = make(map[remoteKey]*time.Timer)
}
