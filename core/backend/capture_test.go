// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
)

type fakeTx struct {
	commitErr  error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Commit() error {
	tx.committed = true
	return tx.commitErr
}

func (tx *fakeTx) Rollback() error {
	tx.rolledBack = true
	return nil
}

// the export loop delivers on its own goroutine, so the recording notifier
// hands notifications back through a channel
type notification struct {
	resource  string
	operation core.Operation
}

type recordingNotifier struct {
	notifications chan notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{notifications: make(chan notification, 16)}
}

func (n *recordingNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	n.notifications <- notification{resource: resource, operation: operation}
}

func (n *recordingNotifier) next(t *testing.T) notification {
	t.Helper()
	select {
	case nt := <-n.notifications:
		return nt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
		return notification{}
	}
}

type notifierFunc func(resource string, operation core.Operation, payload []byte)

func (f notifierFunc) Notify(resource string, operation core.Operation, payload []byte) {
	f(resource, operation, payload)
}

func captureBackend(t *testing.T) *Backend {
	registry := core.NewRegistry()
	assert.NoError(t, registry.Register(core.Descriptor{Resource: "todo", OwnerProperty: "user_id"}))
	store := access.NewPolicyStore()
	store.Grant(access.Rule{Selector: access.SelectorWildcard, Resource: "todo",
		Operations: []core.Operation{core.OperationRead}})

	b := &Backend{
		Registry:       registry,
		Policies:       store,
		sequences:      make(map[string]int64),
		changeHandlers: make(map[string][]changeHandler),
	}
	b.engine = access.NewEngine(registry, store)
	b.broker = NewBroker(registry, b.engine, 16)
	return b
}

func TestCommitPublishesInOrder(t *testing.T) {
	b := captureBackend(t)
	notifier := newRecordingNotifier()
	b.notifier = notifier
	b.startExport()
	ctx := context.Background()

	sub, err := b.broker.Subscribe(nil, "todo", nil)
	assert.NoError(t, err)

	tx := &fakeTx{}
	u := &unit{b: b, tx: tx}
	first := uuid.New()
	second := uuid.New()
	u.record(core.OperationCreate, "todo", first, map[string]interface{}{"user_id": "u1", "title": "laundry"})
	u.record(core.OperationUpdate, "todo", second, map[string]interface{}{"user_id": "u1", "title": "dishes"})

	// nothing is observable before the commit
	assert.Len(t, sub.Events(), 0)
	assert.Equal(t, int64(0), b.currentSequence("todo"))

	assert.NoError(t, u.commit(ctx))
	assert.True(t, tx.committed)

	ev := <-sub.Events()
	assert.Equal(t, core.OperationCreate, ev.Operation)
	assert.Equal(t, first, ev.ResourceID)
	assert.Equal(t, int64(1), ev.Sequence)

	ev = <-sub.Events()
	assert.Equal(t, core.OperationUpdate, ev.Operation)
	assert.Equal(t, second, ev.ResourceID)
	assert.Equal(t, int64(2), ev.Sequence, "sequence numbers follow commit order")

	assert.Equal(t, int64(2), b.currentSequence("todo"))

	// the notifier receives both events in commit order
	nt := notifier.next(t)
	assert.Equal(t, "todo", nt.resource)
	assert.Equal(t, core.OperationCreate, nt.operation)
	nt = notifier.next(t)
	assert.Equal(t, "todo", nt.resource)
	assert.Equal(t, core.OperationUpdate, nt.operation)
}

func TestCommitNotBlockedBySlowNotifier(t *testing.T) {
	b := captureBackend(t)
	release := make(chan struct{})
	delivered := make(chan string, 2)
	b.notifier = notifierFunc(func(resource string, operation core.Operation, payload []byte) {
		<-release
		delivered <- resource
	})
	b.startExport()
	ctx := context.Background()

	u := &unit{b: b, tx: &fakeTx{}}
	u.record(core.OperationCreate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	start := time.Now()
	assert.NoError(t, u.commit(ctx))
	assert.Less(t, time.Since(start), time.Second,
		"commit must not wait for the notifier's network I/O")

	// a second commit is not serialized behind the stuck export either
	u = &unit{b: b, tx: &fakeTx{}}
	u.record(core.OperationUpdate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	start = time.Now()
	assert.NoError(t, u.commit(ctx))
	assert.Less(t, time.Since(start), time.Second)

	// both events still reach the notifier once it unblocks
	close(release)
	for i := 0; i < 2; i++ {
		select {
		case resource := <-delivered:
			assert.Equal(t, "todo", resource)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for export")
		}
	}
}

func TestRollbackEmitsNothing(t *testing.T) {
	b := captureBackend(t)

	sub, err := b.broker.Subscribe(nil, "todo", nil)
	assert.NoError(t, err)

	tx := &fakeTx{}
	u := &unit{b: b, tx: tx}
	u.record(core.OperationCreate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	u.rollback()

	assert.True(t, tx.rolledBack)
	assert.Len(t, sub.Events(), 0)
	assert.Equal(t, int64(0), b.currentSequence("todo"))
}

func TestFailedCommitEmitsNothing(t *testing.T) {
	b := captureBackend(t)

	sub, err := b.broker.Subscribe(nil, "todo", nil)
	assert.NoError(t, err)

	tx := &fakeTx{commitErr: errors.New("connection lost")}
	u := &unit{b: b, tx: tx}
	u.record(core.OperationCreate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})

	assert.Error(t, u.commit(context.Background()))
	assert.Len(t, sub.Events(), 0)
	assert.Equal(t, int64(0), b.currentSequence("todo"))
}

func TestHandleChanges(t *testing.T) {
	b := captureBackend(t)
	ctx := context.Background()

	var seen []core.Operation
	b.HandleChanges("todo", func(ctx context.Context, ev Event) error {
		seen = append(seen, ev.Operation)
		return nil
	}, core.OperationCreate, core.OperationDelete)

	// a panicking handler must not disturb delivery
	b.HandleChanges("todo", func(ctx context.Context, ev Event) error {
		panic("boom")
	})

	sub, err := b.broker.Subscribe(nil, "todo", nil)
	assert.NoError(t, err)

	u := &unit{b: b, tx: &fakeTx{}}
	u.record(core.OperationCreate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	u.record(core.OperationUpdate, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	u.record(core.OperationDelete, "todo", uuid.New(), map[string]interface{}{"user_id": "u1"})
	assert.NoError(t, u.commit(ctx))

	// the operations filter applies, update is skipped
	assert.Equal(t, []core.Operation{core.OperationCreate, core.OperationDelete}, seen)

	// subscribers received all three events despite the panicking handler
	assert.Len(t, sub.Events(), 3)
}

func TestWildcardFanOut(t *testing.T) {
	b := captureBackend(t)
	b.Policies.Grant(access.Rule{Selector: access.SelectorOwner, Resource: "todo",
		Operations: []core.Operation{core.OperationCreate, core.OperationUpdate, core.OperationDelete}})
	ctx := context.Background()

	// an anonymous subscriber and the owner subscribe side by side
	anonymous, err := b.broker.Subscribe(nil, "todo", nil)
	assert.NoError(t, err)
	owner, err := b.broker.Subscribe(&access.Authorization{Identity: "u1"}, "todo", nil)
	assert.NoError(t, err)

	todoID := uuid.New()
	u := &unit{b: b, tx: &fakeTx{}}
	u.record(core.OperationCreate, "todo", todoID, map[string]interface{}{"user_id": "u1", "title": "laundry"})
	assert.NoError(t, u.commit(ctx))

	// the wildcard read grant makes the event visible to both, with the
	// identical payload and the identical sequence number
	first := <-anonymous.Events()
	second := <-owner.Events()
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, string(first.Payload), string(second.Payload))

	// another identity's update is denied before any transaction runs, so no
	// event can ever reach the pipeline for it
	authorized, err := b.engine.Authorize(&access.Authorization{Identity: "u2"}, "todo",
		core.OperationUpdate, map[string]interface{}{"user_id": "u1"})
	assert.NoError(t, err)
	assert.False(t, authorized)
	assert.Len(t, anonymous.Events(), 0)
	assert.Len(t, owner.Events(), 0)
}

func TestChangeHandlerWants(t *testing.T) {
	all := changeHandler{}
	assert.True(t, all.wants(core.OperationCreate))
	assert.True(t, all.wants(core.OperationDelete))

	only := changeHandler{operations: []core.Operation{core.OperationUpdate}}
	assert.True(t, only.wants(core.OperationUpdate))
	assert.False(t, only.wants(core.OperationCreate))
}
