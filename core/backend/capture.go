// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/logger"
)

// delta is one pending row mutation inside a unit of work. The object is the
// full row snapshot: post-mutation state for create and update, pre-deletion
// state for delete.
type delta struct {
	operation  core.Operation
	resource   string
	resourceID uuid.UUID
	object     map[string]interface{}
}

// transaction is the commit/rollback surface of the unit of work. *sql.Tx
// satisfies it.
type transaction interface {
	Commit() error
	Rollback() error
}

// unit is one unit of work. Mutations are recorded while the transaction is
// open; events are materialized only after the transaction durably commits.
// Rollback discards everything, so no subscriber can ever observe an event
// from a transaction that did not succeed.
type unit struct {
	b      *Backend
	tx     transaction
	deltas []delta
}

func (b *Backend) beginUnit(ctx context.Context) (*unit, error) {
	tx, err := b.db.BeginUnit(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{b: b, tx: tx}, nil
}

// record captures the intended row state of one mutation
func (u *unit) record(operation core.Operation, resource string, resourceID uuid.UUID, object map[string]interface{}) {
	u.deltas = append(u.deltas, delta{
		operation:  operation,
		resource:   resource,
		resourceID: resourceID,
		object:     object,
	})
}

// commit commits the transaction and, only on success, hands the captured
// deltas to the event pipeline. The commit itself can fail; the downstream
// pipeline cannot fail the commit anymore.
func (u *unit) commit(ctx context.Context) error {
	if err := u.tx.Commit(); err != nil {
		u.deltas = nil
		return err
	}
	u.b.publish(ctx, u.deltas)
	u.deltas = nil
	return nil
}

// rollback discards the transaction and all captured deltas; no events are emitted
func (u *unit) rollback() {
	u.tx.Rollback()
	u.deltas = nil
}

// publish materializes committed deltas into events and fans them out. It
// runs after the commit has already succeeded: every failure in here is
// logged and the affected event dropped, never propagated back to the caller.
//
// The publish mutex serializes sequence assignment and broker dispatch, so
// sequence numbers are assigned in commit order and every subscriber's queue
// sees them in exactly that order.
func (b *Backend) publish(ctx context.Context, deltas []delta) {
	if len(deltas) == 0 {
		return
	}
	rlog := logger.FromContext(ctx)

	b.publishMutex.Lock()
	defer b.publishMutex.Unlock()

	touched := map[string]int64{}
	for _, d := range deltas {
		if _, err := b.Registry.Lookup(d.resource); err != nil {
			rlog.WithError(err).Errorf("drop %s event for %s", d.operation, d.resource)
			continue
		}
		payload, err := json.Marshal(d.object)
		if err != nil {
			rlog.WithError(err).Errorf("drop %s event for %s %s", d.operation, d.resource, d.resourceID)
			continue
		}
		sequence := b.sequences[d.resource] + 1
		b.sequences[d.resource] = sequence
		touched[d.resource] = sequence

		ev := Event{
			Resource:   d.resource,
			Operation:  d.operation,
			ResourceID: d.resourceID,
			Sequence:   sequence,
			Timestamp:  time.Now().UTC(),
			Payload:    payload,
		}
		b.invokeChangeHandlers(ctx, ev)
		b.broker.Dispatch(ctx, ev)
		if b.exports != nil {
			select {
			case b.exports <- ev:
			default:
				rlog.Warningf("export queue full, drop %s event #%d for %s", ev.Operation, ev.Sequence, ev.Resource)
			}
		}
	}

	// best-effort checkpoint so sequence numbering survives a restart
	if b.checkpoints.Registry != nil {
		for resource, sequence := range touched {
			if err := b.checkpoints.Write(resource, sequence); err != nil {
				rlog.WithError(err).Warningf("cannot checkpoint sequence for %s", resource)
			}
		}
	}
}

// exportQueueCapacity bounds the queue feeding the notifier. Export is best
// effort; if the exporter falls this far behind, events are dropped with a
// warning rather than stalling commits.
const exportQueueCapacity = 256

// startExport starts the goroutine feeding committed events to the notifier.
// A single goroutine drains the queue, so the notifier receives events in
// publish order, but its I/O happens off the request path: a slow or
// unreachable export target delays the export, never the commit.
func (b *Backend) startExport() {
	b.exports = make(chan Event, exportQueueCapacity)
	go func() {
		for ev := range b.exports {
			b.notifier.Notify(ev.Resource, ev.Operation, ev.Payload)
		}
	}()
}

// currentSequence returns the last assigned sequence number for the resource
func (b *Backend) currentSequence(resource string) int64 {
	b.publishMutex.Lock()
	defer b.publishMutex.Unlock()
	return b.sequences[resource]
}

func (b *Backend) loadSequences() error {
	for _, resource := range b.Registry.Resources() {
		var sequence int64
		if _, err := b.checkpoints.Read(resource, &sequence); err != nil {
			return err
		}
		b.sequences[resource] = sequence
	}
	return nil
}

type changeHandler struct {
	operations []core.Operation
	callback   func(context.Context, Event) error
}

func (h changeHandler) wants(operation core.Operation) bool {
	if len(h.operations) == 0 {
		return true
	}
	for _, op := range h.operations {
		if op == operation {
			return true
		}
	}
	return false
}

// HandleChanges installs an in-process handler for committed change events on
// the resource. If no operations are passed, the handler receives all of them.
//
// Handlers run on the unfiltered privileged path: they see every committed
// event regardless of the identity that caused it, and they must never be
// reachable through the public subscription API. A handler error or panic is
// logged and otherwise ignored; it cannot fail the commit, which has already
// succeeded, and it does not affect delivery to subscribers.
func (b *Backend) HandleChanges(resource string, callback func(context.Context, Event) error,
	operations ...core.Operation) {
	if _, err := b.Registry.Lookup(resource); err != nil {
		logger.Default().Fatalf("handle changes for %s: no such resource", resource)
	}
	b.changeHandlers[resource] = append(b.changeHandlers[resource],
		changeHandler{operations: operations, callback: callback})
}

func (b *Backend) invokeChangeHandlers(ctx context.Context, ev Event) {
	rlog := logger.FromContext(ctx)
	for _, handler := range b.changeHandlers[ev.Resource] {
		if !handler.wants(ev.Operation) {
			continue
		}
		if err := callWithPanicEnvelope(ctx, handler.callback, ev); err != nil {
			rlog.WithError(err).Errorf("change handler for %s %s", ev.Operation, ev.Resource)
		}
	}
}

func callWithPanicEnvelope(ctx context.Context, callback func(context.Context, Event) error, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
		}
	}()
	err = callback(ctx, ev)
	return
}
