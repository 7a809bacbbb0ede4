// Package eventbus publishes the core's lifecycle events (Submitted,
// Admitted, StageStarted, StageCompleted, and terminal states) onto NATS
// subjects, propagating trace context the way the teacher's natsctx helper
// and control-plane service do. Durability adapters can subscribe to these
// subjects to persist events in arrival order (§6 persisted-state-layout).
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// EventKind names a lifecycle transition published on the bus.
type EventKind string

const (
	EventSubmitted      EventKind = "Submitted"
	EventAdmitted       EventKind = "Admitted"
	EventStageStarted   EventKind = "StageStarted"
	EventStageCompleted EventKind = "StageCompleted"
	EventTerminal       EventKind = "Terminal"
)

// Event is the payload published for every lifecycle transition.
type Event struct {
	Kind        EventKind `json:"kind"`
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status,omitempty"`
	At          time.Time `json:"at"`
	Detail      string    `json:"detail,omitempty"`
}

const subjectPrefix = "scancore.v1.lifecycle."

// Bus publishes lifecycle events onto NATS. A nil *nats.Conn makes every
// Publish a no-op, so components can hold a Bus unconditionally even when
// no broker is configured (e.g. in unit tests).
type Bus struct {
	nc *nats.Conn
}

// New wraps an established NATS connection. nc may be nil.
func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// Connect dials url and wraps the resulting connection.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return New(nc), nil
}

// Publish injects the current trace context into message headers and
// publishes ev to the subject for its kind.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subjectPrefix + string(ev.Kind), Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting trace context from incoming
// messages and starting a consumer span before invoking handler.
func (b *Bus) Subscribe(kind EventKind, handler func(context.Context, Event)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subjectPrefix+string(kind), func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("scancore-eventbus")
		ctx, span := tr.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		handler(ctx, ev)
	})
}

// Close closes the underlying connection, if any, without draining it.
func (b *Bus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}
