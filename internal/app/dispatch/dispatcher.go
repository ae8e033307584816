// Package dispatch implements the agent's heartbeat engine: a timer-driven
// loop that polls the cloud for queued events, routes each one to its
// registered handler, and acknowledges every delivered event exactly once
// per cycle regardless of handler outcome.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/casevault/agent/internal/domain/events"
	"github.com/casevault/agent/pkg/common/logger"
)

// HeartbeatClient is the transport surface the dispatcher depends on. A
// heartbeat polls the cloud and returns any queued events; an acknowledgment
// retires one delivered event server-side so it is not redelivered.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context) ([]events.EventEnvelope, error)
	Acknowledge(ctx context.Context, eventID string) error
}

const (
	defaultInterval       = 10 * time.Minute
	defaultHandlerTimeout = 60 * time.Second
	defaultAckTimeout     = 30 * time.Second
)

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	// Interval is the fixed delay between the end of one cycle and the
	// start of the next. Defaults to 10 minutes.
	Interval time.Duration

	// HandlerTimeout bounds a single handler invocation. The deadline is
	// delivered through the handler's context. Defaults to 60s.
	HandlerTimeout time.Duration

	// AckTimeout bounds a single acknowledgment call. Defaults to 30s.
	AckTimeout time.Duration
}

// Dispatcher owns the poll-dispatch-acknowledge loop.
//
// At most one cycle executes at a time: the next cycle's timer is armed only
// after the current cycle's acknowledgment phase completes. Handler dispatch
// is strictly sequential in delivery order; acknowledgments for one cycle
// are issued concurrently and settled together.
type Dispatcher struct {
	client   HeartbeatClient
	registry *events.Registry
	cfg      Config

	metrics *Metrics
	logger  *logger.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	stopped bool
	timer   *time.Timer

	// gen identifies the current timer chain. Start bumps it, and a timer
	// callback whose generation is stale abandons itself, so a callback
	// that fired during Stop but parked on mu cannot re-arm after a
	// subsequent Start.
	gen uint64

	// wg tracks in-flight cycles so Stop can wait for completion.
	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given client and an immutable
// handler registry. The registry must be complete before Start is called;
// there is no registration at runtime.
func NewDispatcher(
	client HeartbeatClient,
	registry *events.Registry,
	cfg Config,
	metrics *Metrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	return &Dispatcher{
		client:   client,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		logger:   log.With("component", "dispatcher"),
		tracer:   tracer,
	}
}

// Start begins the loop and triggers the first cycle immediately, without
// waiting for the interval. The provided context is inherited by every
// cycle; canceling it aborts in-flight work, whereas Stop lets the current
// cycle finish.
//
// Start is intended to be called once per Stop. Calling it again while the
// loop is running is a caller error: the new chain supersedes the old one,
// whose cycle may already be in flight. Stop terminates all chains.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.stopped = false
	d.gen++
	gen := d.gen
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info(ctx, "starting event dispatcher",
		"interval", d.cfg.Interval.String(),
		"handled_types", len(d.registry.Types()))

	go func() {
		defer d.wg.Done()
		d.run(ctx, gen)
	}()
}

// Stop halts the loop. Any pending timer is cleared immediately; a cycle
// already executing completes normally, including its acknowledgments, and
// Stop waits for it. Safe to call before Start and safe to call repeatedly.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// run executes one cycle and re-arms the timer unless the loop is stopping
// or this chain was superseded by a newer Start.
func (d *Dispatcher) run(ctx context.Context, gen uint64) {
	d.runCycle(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || gen != d.gen || ctx.Err() != nil {
		return
	}

	d.timer = time.AfterFunc(d.cfg.Interval, func() {
		d.mu.Lock()
		if d.stopped || gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()

		defer d.wg.Done()
		d.run(ctx, gen)
	})
}

// runCycle performs one heartbeat round: poll, normalize, dispatch
// sequentially, then settle all acknowledgments. No failure inside a cycle
// terminates the loop.
func (d *Dispatcher) runCycle(ctx context.Context) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.cycle")
	defer span.End()

	d.metrics.Cycles.Inc()

	evts, err := d.client.Heartbeat(ctx)
	if err != nil {
		span.RecordError(err)
		d.metrics.HeartbeatFailures.Inc()
		// A heartbeat racing shutdown is expected; keep the logs quiet.
		if !d.isStopped() {
			d.logger.Error(ctx, "heartbeat failed", "error", err)
		}
		return
	}
	span.SetAttributes(attribute.Int("event_count", len(evts)))

	if len(evts) == 0 {
		return
	}
	d.metrics.EventsReceived.Add(float64(len(evts)))

	for i := range evts {
		evts[i] = events.Normalize(evts[i])
	}

	for _, evt := range evts {
		d.dispatch(ctx, evt)
	}

	d.acknowledgeAll(ctx, evts)
}

// dispatch routes one event to its handler. A missing handler is a
// diagnostic, not an error. Handler errors and panics are captured and
// logged; they never prevent dispatch of subsequent events or the
// acknowledgment phase.
func (d *Dispatcher) dispatch(ctx context.Context, evt events.EventEnvelope) {
	handler, ok := d.registry.Lookup(evt.Type)
	if !ok {
		d.metrics.EventsUnhandled.Inc()
		d.logger.Info(ctx, "no handler registered for event type",
			"event_type", evt.Type, "event_id", evt.ID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	if err := invoke(hctx, handler, evt); err != nil {
		d.metrics.HandlerFailures.Inc()
		d.logger.Error(ctx, "event handler failed",
			"event_type", evt.Type, "event_id", evt.ID, "error", err)
	}
}

// invoke runs a handler, converting a panic into an error so one misbehaving
// handler cannot take down the loop.
func invoke(ctx context.Context, handler events.HandlerFunc, evt events.EventEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

// acknowledgeAll retires every event that carries an id. All acknowledgments
// for the cycle are issued concurrently and settled together; one failing
// call never cancels the others, and failures are not retried here. The
// server redelivers unacknowledged events after its own timeout.
func (d *Dispatcher) acknowledgeAll(ctx context.Context, evts []events.EventEnvelope) {
	var wg sync.WaitGroup

	for _, evt := range evts {
		if evt.ID == "" {
			d.logger.Error(ctx, "cannot acknowledge event without id",
				"event_type", evt.Type)
			continue
		}

		wg.Add(1)
		go func(evt events.EventEnvelope) {
			defer wg.Done()

			actx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
			defer cancel()

			if err := d.client.Acknowledge(actx, evt.ID); err != nil {
				d.metrics.AckFailures.Inc()
				d.logger.Error(ctx, "failed to acknowledge event",
					"event_id", evt.ID, "event_type", evt.Type, "error", err)
				return
			}
			d.metrics.Acks.Inc()
		}(evt)
	}

	wg.Wait()
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}
