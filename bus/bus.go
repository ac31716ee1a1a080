package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

var ErrWaitTimeout = errors.New("timed out waiting for bus message")

// Bus is the in-process event bus: named topics, ordered delivery per
// topic, at-most-once per subscriber. A subscriber that falls behind has
// messages dropped rather than blocking the publisher.
type Bus struct {
	sugar *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[string][]*Subscription
	taps []func(*Message)
}

func New(sugar *zap.SugaredLogger) *Bus {
	return &Bus{
		sugar: sugar,
		subs:  make(map[string][]*Subscription),
	}
}

type Subscription struct {
	C     chan *Message
	topic string
	bus   *Bus

	closeOnce sync.Once
}

func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		C:     make(chan *Message, subscriptionBuffer),
		topic: topic,
		bus:   b,
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		b := s.bus
		b.mu.Lock()
		subs := b.subs[s.topic]
		for i, candidate := range subs {
			if candidate == s {
				b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
}

// Publish delivers msg to local subscribers and forwards it to any
// registered taps (the process-group relay).
func (b *Bus) Publish(msg *Message) {
	b.deliver(msg)

	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()
	for _, tap := range taps {
		tap(msg)
	}
}

// Inject delivers msg to local subscribers only. Used by the relay when
// re-publishing messages received from sibling processes, so they don't
// bounce back out.
func (b *Bus) Inject(msg *Message) {
	b.deliver(msg)
}

func (b *Bus) deliver(msg *Message) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs[msg.Topic]))
	copy(subs, b.subs[msg.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.C <- msg:
		default:
			b.sugar.Debugw("Dropping bus message for slow subscriber", "topic", msg.Topic)
		}
	}
}

// Tap registers fn to be called for every locally published message.
func (b *Bus) Tap(fn func(*Message)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Waiter is a single-use rendezvous: it is registered against a topic
// before the triggering action runs, then waited on with a bounded
// timeout.
type Waiter struct {
	sub *Subscription
}

func (b *Bus) NewWaiter(topic string) *Waiter {
	return &Waiter{sub: b.Subscribe(topic)}
}

func (w *Waiter) Wait(ctx context.Context, clock quartz.Clock, timeout time.Duration) error {
	defer w.sub.Close()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWaitTimeout
	case <-w.sub.C:
		return nil
	}
}

func (w *Waiter) Close() {
	w.sub.Close()
}
