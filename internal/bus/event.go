package bus

import (
	"strings"
	"time"
)

// Event is a notification published on the bus. Kind is a dotted name
// ("frame.new_message", "connection.state_changed") and subscribers
// filter on its prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the part of Kind before the first dot.
func (e Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Kind, ".")
	return ns
}
