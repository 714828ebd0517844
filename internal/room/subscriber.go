package room

import (
	"github.com/typerace/server/internal/types"
)

// Subscriber is one consumer of a room's broadcast bus. The room owns the
// sending side; the connection handler drains C and watches Dropped to
// learn it fell too far behind.
type Subscriber struct {
	ID string

	c       chan types.ServerMsg
	dropped chan struct{}
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		ID:      id,
		c:       make(chan types.ServerMsg, buffer),
		dropped: make(chan struct{}),
	}
}

// C yields broadcasts in publication order.
func (s *Subscriber) C() <-chan types.ServerMsg { return s.c }

// Dropped is closed when the room evicts this subscriber for lagging. The
// owner must send Error{lagging} on the socket and close it.
func (s *Subscriber) Dropped() <-chan struct{} { return s.dropped }
