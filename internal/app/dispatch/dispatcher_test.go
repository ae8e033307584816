package dispatch_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/casevault/agent/internal/app/dispatch"
	"github.com/casevault/agent/internal/domain/events"
	"github.com/casevault/agent/pkg/common/logger"
)

// fakeClient is a scripted HeartbeatClient. The first heartbeat returns the
// configured batch; later heartbeats return nothing, so a test observes one
// delivery per configured batch.
type fakeClient struct {
	mu sync.Mutex

	batch        []events.EventEnvelope
	heartbeatErr error
	ackErr       map[string]error

	heartbeats int
	acks       []string

	// blockHeartbeat, when non-nil, is received from before a heartbeat
	// returns. It lets a test hold a cycle in flight.
	blockHeartbeat chan struct{}
}

func (f *fakeClient) Heartbeat(ctx context.Context) ([]events.EventEnvelope, error) {
	f.mu.Lock()
	f.heartbeats++
	first := f.heartbeats == 1
	block := f.blockHeartbeat
	err := f.heartbeatErr
	batch := f.batch
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, nil
	}
	return batch, nil
}

func (f *fakeClient) Acknowledge(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, eventID)
	if f.ackErr != nil {
		return f.ackErr[eventID]
	}
	return nil
}

func (f *fakeClient) setBlock(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockHeartbeat = ch
}

func (f *fakeClient) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func (f *fakeClient) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.acks))
	copy(out, f.acks)
	return out
}

func newDispatcher(t *testing.T, client dispatch.HeartbeatClient, handlers map[events.EventType]events.HandlerFunc, cfg dispatch.Config) *dispatch.Dispatcher {
	t.Helper()
	return dispatch.NewDispatcher(
		client,
		events.NewRegistry(handlers),
		cfg,
		dispatch.NewMetrics(prometheus.NewRegistry()),
		logger.Noop(),
		noop.NewTracerProvider().Tracer(""),
	)
}

// TestStartTriggersImmediateHeartbeat verifies cycle 0 runs right away,
// independent of the configured interval.
func TestStartTriggersImmediateHeartbeat(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool { return client.heartbeatCount() == 1 },
		time.Second, 5*time.Millisecond, "first cycle should run without waiting for the interval")
}

// TestStopPreventsSecondHeartbeat verifies that stopping right after start
// clears the pending timer so no second heartbeat ever occurs.
func TestStopPreventsSecondHeartbeat(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: 30 * time.Millisecond})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == 1 },
		time.Second, time.Millisecond)
	d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, client.heartbeatCount(), "no cycle may run after Stop")
}

// TestLoopReschedules verifies the timer is re-armed after each cycle.
func TestLoopReschedules(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: 10 * time.Millisecond})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool { return client.heartbeatCount() >= 3 },
		time.Second, time.Millisecond, "loop should keep polling at the interval")
}

// TestStopIsSafeWithoutStart verifies Stop before Start and repeated Stops
// are no-ops.
func TestStopIsSafeWithoutStart(t *testing.T) {
	d := newDispatcher(t, &fakeClient{}, nil, dispatch.Config{})

	d.Stop()
	d.Stop()
}

func TestRestartAfterStop(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == 1 }, time.Second, time.Millisecond)
	d.Stop()

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == 2 }, time.Second, time.Millisecond)
	d.Stop()
}

// TestRestartDoesNotResurrectOldTimerChain churns Start/Stop pairs while
// timers are firing, then verifies exactly one chain survives: a timer
// callback that fired during a Stop must not re-arm itself after the next
// Start.
func TestRestartDoesNotResurrectOldTimerChain(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: time.Millisecond})

	for i := 0; i < 100; i++ {
		d.Start(context.Background())
		time.Sleep(time.Millisecond)
		d.Stop()
	}

	// Hold the final chain's first heartbeat in flight. With cycle 0
	// blocked no further heartbeat can come from this chain, so any extra
	// one is a resurrected chain re-arming at the old interval.
	block := make(chan struct{})
	client.setBlock(block)
	before := client.heartbeatCount()

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == before+1 },
		time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before+1, client.heartbeatCount(),
		"a stopped chain must not poll again after a restart")

	close(block)
	d.Stop()
}

// TestDispatchOrderAndAcks verifies sequential dispatch in delivery order
// and exactly one acknowledgment per event with an id.
func TestDispatchOrderAndAcks(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: "AEvent", ID: "id-a"},
		{Type: "BEvent", ID: "id-b"},
	}}

	var mu sync.Mutex
	var order []string
	record := func(name string) events.HandlerFunc {
		return func(ctx context.Context, evt events.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		"AEvent": record("a"),
		"BEvent": record("b"),
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 2 }, time.Second, time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, order, "handlers must run sequentially in delivery order")
	assert.ElementsMatch(t, []string{"id-a", "id-b"}, client.ackedIDs())
}

// TestHandlerFailureIsIsolated verifies a failing handler neither stops
// dispatch of later events nor prevents acknowledgment of its own event.
func TestHandlerFailureIsIsolated(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: "FailEvent", ID: "id-fail"},
		{Type: "OKEvent", ID: "id-ok"},
	}}

	var okRan bool
	var mu sync.Mutex
	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		"FailEvent": func(ctx context.Context, evt events.EventEnvelope) error {
			return errors.New("boom")
		},
		"OKEvent": func(ctx context.Context, evt events.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			okRan = true
			return nil
		},
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 2 }, time.Second, time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, okRan, "subsequent handler must still run")
	assert.ElementsMatch(t, []string{"id-fail", "id-ok"}, client.ackedIDs(),
		"failed event must still be acknowledged")
}

// TestHandlerPanicIsIsolated verifies a panicking handler is treated like a
// failed one.
func TestHandlerPanicIsIsolated(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: "PanicEvent", ID: "id-panic"},
		{Type: "OKEvent", ID: "id-ok"},
	}}

	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		"PanicEvent": func(ctx context.Context, evt events.EventEnvelope) error {
			panic("kaboom")
		},
		"OKEvent": func(ctx context.Context, evt events.EventEnvelope) error { return nil },
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 2 }, time.Second, time.Millisecond)
	d.Stop()

	assert.ElementsMatch(t, []string{"id-panic", "id-ok"}, client.ackedIDs())
}

// TestEventWithoutIDIsNotAcknowledged verifies informational events are
// dispatched but never acknowledged.
func TestEventWithoutIDIsNotAcknowledged(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: "InfoEvent"},
		{Type: "InfoEvent", ID: "id-1"},
	}}

	var handled int
	var mu sync.Mutex
	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		"InfoEvent": func(ctx context.Context, evt events.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			handled++
			return nil
		},
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 1 }, time.Second, time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{"id-1"}, client.ackedIDs())
}

// TestUnhandledTypeIsStillAcknowledged verifies a missing handler is only a
// diagnostic and the event is retired normally.
func TestUnhandledTypeIsStillAcknowledged(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: "NobodyListensEvent", ID: "id-1"},
	}}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 1 }, time.Second, time.Millisecond)
	d.Stop()
}

// TestMarkerPrefixedTypeRoutesToHandler verifies envelopes are normalized
// before handler lookup.
func TestMarkerPrefixedTypeRoutesToHandler(t *testing.T) {
	client := &fakeClient{batch: []events.EventEnvelope{
		{Type: ".PongEvent", ID: "id-1"},
	}}

	var seen events.EventType
	var mu sync.Mutex
	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		events.EventTypePong: func(ctx context.Context, evt events.EventEnvelope) error {
			mu.Lock()
			defer mu.Unlock()
			seen = evt.Type
			return nil
		},
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 1 }, time.Second, time.Millisecond)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.EventTypePong, seen, "handler must see the canonical type")
}

// TestEmptyHeartbeatIsQuiet verifies a response with no events produces no
// handler calls and no acknowledgments.
func TestEmptyHeartbeatIsQuiet(t *testing.T) {
	client := &fakeClient{}
	d := newDispatcher(t, client, map[events.EventType]events.HandlerFunc{
		"AnyEvent": func(ctx context.Context, evt events.EventEnvelope) error {
			t.Error("handler must not be called")
			return nil
		},
	}, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == 1 }, time.Second, time.Millisecond)
	d.Stop()

	assert.Empty(t, client.ackedIDs())
}

// TestAckFailureIsIsolated verifies one failing acknowledgment does not
// block or cancel the others.
func TestAckFailureIsIsolated(t *testing.T) {
	client := &fakeClient{
		batch: []events.EventEnvelope{
			{Type: "AEvent", ID: "id-a"},
			{Type: "BEvent", ID: "id-b"},
		},
		ackErr: map[string]error{"id-a": errors.New("ack refused")},
	}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: time.Hour})

	d.Start(context.Background())
	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 2 }, time.Second, time.Millisecond)
	d.Stop()

	assert.ElementsMatch(t, []string{"id-a", "id-b"}, client.ackedIDs(),
		"acknowledgment must be attempted for every event with an id")
}

// TestHeartbeatFailureKeepsLoopAlive verifies a transport failure only
// delays processing until the next cycle.
func TestHeartbeatFailureKeepsLoopAlive(t *testing.T) {
	client := &fakeClient{heartbeatErr: errors.New("transport down")}
	d := newDispatcher(t, client, nil, dispatch.Config{Interval: 10 * time.Millisecond})

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool { return client.heartbeatCount() >= 2 },
		time.Second, time.Millisecond, "loop must keep polling after a heartbeat failure")
}

// TestStoppedLoopSuppressesHeartbeatErrors verifies that an in-flight
// heartbeat failing after Stop produces no error-level log.
func TestStoppedLoopSuppressesHeartbeatErrors(t *testing.T) {
	var mu sync.Mutex
	var errorLogs []string
	log := logger.NewWithEvents(io.Discard, logger.LevelDebug, "test", nil, logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			mu.Lock()
			defer mu.Unlock()
			errorLogs = append(errorLogs, r.Message)
		},
	})

	block := make(chan struct{})
	client := &fakeClient{heartbeatErr: errors.New("transport down"), blockHeartbeat: block}

	d := dispatch.NewDispatcher(
		client,
		events.NewRegistry(nil),
		dispatch.Config{Interval: time.Hour},
		dispatch.NewMetrics(prometheus.NewRegistry()),
		log,
		noop.NewTracerProvider().Tracer(""),
	)

	d.Start(context.Background())
	require.Eventually(t, func() bool { return client.heartbeatCount() == 1 }, time.Second, time.Millisecond)

	// Stop while the heartbeat is still in flight, then let it fail.
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	// Give Stop a moment to flip the state before the heartbeat returns.
	time.Sleep(50 * time.Millisecond)
	close(block)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, errorLogs, "heartbeat failures after Stop must not be logged")
}
