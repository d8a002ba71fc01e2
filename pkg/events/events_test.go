package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	em := NewEmitter(bus, nil)
	em.Emit(ctx, Event{Type: TaskStatusChanged, TaskID: "t-1", Status: "running", Attempt: 1})

	select {
	case e := <-ch:
		assert.Equal(t, TaskStatusChanged, e.Type)
		assert.Equal(t, "t-1", e.TaskID)
		assert.Equal(t, "running", e.Status)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusPublishWithoutSubscribersIsDropped(t *testing.T) {
	bus := NewBus(BusConfig{}, nil)
	defer bus.Close()
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: MemoryAlert}))
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("boom")}

	err := Fanout{ok, nil, failing}.Publish(context.Background(), Event{Type: WorkerStatusChanged})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.events, 1)
	assert.Len(t, failing.events, 1)
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("down")}
	em := NewEmitter(failing, nil)
	em.Emit(context.Background(), Event{Type: BreakerStateChanged, Target: "api"})
	require.Len(t, failing.events, 1)
	assert.NotEmpty(t, failing.events[0].ID)

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), Event{Type: MemoryAlert})
}

func TestNATSPublisherUsesTypedSubject(t *testing.T) {
	conn := &fakeNATS{}
	p := newNATSPublisher(conn, "")

	require.NoError(t, p.Publish(context.Background(), Event{ID: "e1", Type: ExecutionStateChanged, Status: "completed"}))
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "talos.events.execution.state_changed", conn.subjects[0])

	var decoded Event
	require.NoError(t, sonic.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "completed", decoded.Status)
}
