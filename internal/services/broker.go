package services

import (
	"sync"

	"ValoraRamp/internal/lifecycle"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Broker fans session events out to subscribers. Slow subscribers lose
// events rather than block the session.
type Broker struct {
	buffer int
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan lifecycle.Event]struct{}
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broker{
		buffer: buffer,
		log:    log.With().Str("component", "broker").Logger(),
		subs:   map[string]map[chan lifecycle.Event]struct{}{},
	}
}

func (b *Broker) Publish(ev lifecycle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.Session] {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("session", ev.Session).Str("kind", string(ev.Kind)).Msg("subscriber full, event dropped")
		}
	}
}

// Subscribe returns a channel of events for session. The returned func
// unsubscribes and closes the channel.
func (b *Broker) Subscribe(session string) (<-chan lifecycle.Event, func()) {
	ch := make(chan lifecycle.Event, b.buffer)
	b.mu.Lock()
	if b.subs[session] == nil {
		b.subs[session] = map[chan lifecycle.Event]struct{}{}
	}
	b.subs[session][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[session], ch)
			if len(b.subs[session]) == 0 {
				delete(b.subs, session)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Subscribers(session string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[session])
}
