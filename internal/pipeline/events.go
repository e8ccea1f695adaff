package pipeline

import (
	"sync"
	"time"
)

// Event types
const (
	EventStageStart = "stage_start"
	EventStageEnd   = "stage_end"
	EventComplete   = "complete"
	EventError      = "error"
)

// Event is a progress notification for one run
type Event struct {
	ClaimID    string    `json:"claim_id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Stage      string    `json:"agent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"timestamp"`
}

// Observer receives progress events. Publish must not block.
type Observer interface {
	Publish(ev Event)
}

type nopObserver struct{}

func (nopObserver) Publish(Event) {}

// Broker fans events out to per-claim subscribers. Events are dropped for
// subscribers whose buffer is full.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewBroker creates a broker with the given per-subscriber buffer
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for claimID and a cancel function that
// unsubscribes and closes the channel.
func (b *Broker) Subscribe(claimID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[claimID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[claimID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[claimID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, claimID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its claim
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.ClaimID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of subscribers for claimID
func (b *Broker) Subscribers(claimID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[claimID])
}
