package bus

import "errors"

var (
	ErrClosed      = errors.New("bus: closed")
	ErrDuplicateID = errors.New("bus: subscriber id already registered")
	ErrUnknownID   = errors.New("bus: no subscriber with that id")
	ErrNilChannel  = errors.New("bus: nil channel")
)

// SubscriberStats counts what one subscriber was offered.
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64
}

// Stats is a snapshot of the bus counters.
// Every publish is offered once to each subscriber, so
// Delivered+Dropped == Published × subscribers while the set is unchanged.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers map[string]SubscriberStats
}

// DropRate returns the share of offers that were dropped, in [0,1].
func (s Stats) DropRate() float64 {
	total := s.Delivered + s.Dropped
	if total == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(total)
}
