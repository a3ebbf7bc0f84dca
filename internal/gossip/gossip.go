// Package gossip implements the gossip/RPC boundary (component L) as a
// transport-agnostic capability interface plus an in-process bus
// implementation. No concrete networking library is wired in here: the
// spec requires the world-facing API to stay transport-agnostic, and every
// real transport (QUIC, libp2p, plain TCP) is an operator choice outside
// this module's scope.
package gossip

import (
	"context"
	"fmt"
	"sync"
)

// Envelope is one published message: a topic plus its JSON-serialized
// body, so subscribers can filter on topic without decoding every payload.
type Envelope struct {
	Topic string
	Body  []byte
}

// Topic builds the "aw.<world_id>.<suffix>" topic name convention shared
// by every publisher/subscriber in a world.
func Topic(worldID, suffix string) string {
	return fmt.Sprintf("aw.%s.%s", worldID, suffix)
}

// Network is the capability interface every component that needs to
// publish or subscribe depends on, so a real networked implementation can
// be swapped in without touching caller code.
type Network interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error)
}

// LocalBus is an in-process Network, used for single-node deployments and
// tests: every Subscribe on a topic receives every Publish to that topic,
// fanned out over buffered channels so a slow subscriber cannot block a
// publisher.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[chan Envelope]struct{}
}

// NewLocalBus constructs an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan Envelope]struct{})}
}

// Publish fans env out to every current subscriber of env.Topic. A
// subscriber whose channel is full drops the message rather than blocking
// the publisher — gossip delivery is best-effort, not exactly-once.
func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[env.Topic] {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of envelopes published to topic and an
// unsubscribe function the caller must call when done.
func (b *LocalBus) Subscribe(ctx context.Context, topic string) (<-chan Envelope, func(), error) {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan Envelope]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs[topic], ch)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe, nil
}
