// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
	"github.com/capeworks/cape/core/logger"
)

// SubscriptionState is the lifecycle state of a subscription
type SubscriptionState int

// the subscription lifecycle
const (
	// SubscriptionActive receives events
	SubscriptionActive SubscriptionState = iota
	// SubscriptionClosed is terminal. Events enqueued before the transition
	// remain readable from the queue.
	SubscriptionClosed
)

// Subscription is a live, permission-filtered channel delivering change
// events for one resource to one identity. A subscription never outlives its
// transport connection.
type Subscription struct {
	// ID identifies this subscription
	ID uuid.UUID
	// Resource is the resource this subscription listens to
	Resource string

	auth   *access.Authorization
	filter map[string]string
	broker *Broker

	queue      chan Event
	terminated chan struct{}

	mutex   sync.Mutex
	state   SubscriptionState
	evicted bool
}

// Events returns the delivery queue. The queue is bounded; it decouples the
// producer's pace from this subscriber's pace.
func (s *Subscription) Events() <-chan Event {
	return s.queue
}

// Terminated is closed when the subscription leaves the active state. Already
// queued events may still be read from Events afterwards.
func (s *Subscription) Terminated() <-chan struct{} {
	return s.terminated
}

// State returns the current lifecycle state
func (s *Subscription) State() SubscriptionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Evicted returns true if the subscription was terminated by the broker
// because its queue overflowed
func (s *Subscription) Evicted() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.evicted
}

// enqueue adds the event to the delivery queue. It never blocks: if the
// queue is full, the subscription is evicted instead, so one slow consumer
// cannot stall delivery to others and events are never dropped silently for
// a subscription that remains active.
func (s *Subscription) enqueue(ev Event) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != SubscriptionActive {
		return true
	}
	select {
	case s.queue <- ev:
		return true
	default:
		s.evicted = true
		s.state = SubscriptionClosed
		close(s.terminated)
		return false
	}
}

// terminate closes the subscription. Safe to call concurrently with enqueue
// and safe to call more than once.
func (s *Subscription) terminate() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == SubscriptionClosed {
		return
	}
	close(s.terminated)
	s.state = SubscriptionClosed
}

// matches checks the optional client-supplied row filter. All filter
// properties must compare equal on the instance.
func (s *Subscription) matches(instance map[string]interface{}) bool {
	for property, expected := range s.filter {
		value, ok := instance[property]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", value) != expected {
			return false
		}
	}
	return true
}

// Broker owns the set of live subscriptions and the fan-out of committed
// change events to them.
type Broker struct {
	registry *core.Registry
	engine   *access.Engine
	capacity int

	mutex         sync.RWMutex
	subscriptions map[string]map[uuid.UUID]*Subscription
}

// NewBroker creates a broker. The capacity is the bounded size of every
// subscriber's delivery queue.
func NewBroker(registry *core.Registry, engine *access.Engine, capacity int) *Broker {
	if capacity <= 0 {
		capacity = 64
	}
	return &Broker{
		registry:      registry,
		engine:        engine,
		capacity:      capacity,
		subscriptions: make(map[string]map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers a new subscription for the resource. It fails with an
// UnknownResourceError if the resource is not registered; otherwise it always
// succeeds, even if the identity currently has no read permission. Permission
// is evaluated per event, not at subscribe time, because policy can change
// during the subscription's lifetime.
//
// The optional filter is a conjunction of property equalities on the row
// snapshot.
func (b *Broker) Subscribe(auth *access.Authorization, resource string, filter map[string]string) (*Subscription, error) {
	if _, err := b.registry.Lookup(resource); err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:         uuid.New(),
		Resource:   resource,
		auth:       auth,
		filter:     filter,
		broker:     b,
		queue:      make(chan Event, b.capacity),
		terminated: make(chan struct{}),
	}
	b.mutex.Lock()
	subs, ok := b.subscriptions[resource]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		b.subscriptions[resource] = subs
	}
	subs[sub.ID] = sub
	b.mutex.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription and closes it. It is idempotent;
// calling it again for an already removed subscription is a no-op. It is safe
// to call concurrently with an in-flight dispatch: events already enqueued may
// still be delivered, no new events will be enqueued afterwards.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.terminate()
	b.remove(sub)
}

func (b *Broker) remove(sub *Subscription) {
	b.mutex.Lock()
	if subs, ok := b.subscriptions[sub.Resource]; ok {
		delete(subs, sub.ID)
	}
	b.mutex.Unlock()
}

// Count returns the number of live subscriptions for the resource
func (b *Broker) Count(resource string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscriptions[resource])
}

// Dispatch fans the event out to all active subscriptions for its resource.
// The permission engine is evaluated independently for every subscriber with
// the policy state current at dispatch time; a denial or failure for one
// subscriber never affects delivery to another. Events are enqueued in call
// order, so per-resource delivery is FIFO for every subscriber.
func (b *Broker) Dispatch(ctx context.Context, ev Event) {
	rlog := logger.FromContext(ctx)

	instance, err := ev.instance()
	if err != nil {
		rlog.WithError(err).Errorf("dispatch: cannot decode %s event #%d", ev.Resource, ev.Sequence)
		return
	}

	// iterate a snapshot of the current subscriptions, so subscribe and
	// unsubscribe can race with this dispatch without hazard
	b.mutex.RLock()
	targets := make([]*Subscription, 0, len(b.subscriptions[ev.Resource]))
	for _, sub := range b.subscriptions[ev.Resource] {
		targets = append(targets, sub)
	}
	b.mutex.RUnlock()

	for _, sub := range targets {
		authorized, err := b.engine.Authorize(sub.auth, ev.Resource, core.OperationRead, instance)
		if err != nil {
			// isolated failure, the other subscribers are unaffected
			rlog.WithError(err).Errorf("dispatch: authorization for subscription %s", sub.ID)
			continue
		}
		if !authorized || !sub.matches(instance) {
			// denied events are omitted, never reported to the subscriber
			continue
		}
		if !sub.enqueue(ev) {
			rlog.Warningf("dispatch: subscription %s on %s evicted after queue overflow", sub.ID, ev.Resource)
			b.remove(sub)
		}
	}
}
