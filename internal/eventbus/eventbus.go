// Package eventbus optionally publishes control-plane mutation events to
// NATS so other processes can observe registry changes. It is entirely
// optional: with NATS_URL unset, Bus is a no-op and every Publish call
// returns immediately.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Bus publishes mutation events onto servedag.controlplane.<kind> subjects.
type Bus struct {
	nc *nats.Conn
}

// Connect dials NATS with retry/backoff. If url is empty, it returns a
// no-op Bus instead of an error — the event bus is an optional collaborator.
func Connect(ctx context.Context, url string) *Bus {
	if url == "" {
		return &Bus{}
	}

	var nc *nats.Conn
	operation := func() error {
		conn, err := nats.Connect(url, nats.Timeout(3*time.Second))
		if err != nil {
			return err
		}
		nc = conn
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		slog.Warn("eventbus: nats connect failed, continuing without it", "url", url, "error", err)
		return &Bus{}
	}
	return &Bus{nc: nc}
}

// Close closes the connection, if any, without draining it.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish emits kind (e.g. "pipeline_provisioned") with an arbitrary
// JSON-serializable payload, injecting the current trace context into the
// message header. A nil Bus, or one without a connection, silently drops the
// event; a publish that fails on an open connection is logged.
func (b *Bus) Publish(ctx context.Context, kind string, payload any) {
	if b == nil || b.nc == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("eventbus: marshal failed", "kind", kind, "error", err)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))

	_, span := otel.Tracer("servedag-eventbus").Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	msg := &nats.Msg{Subject: "servedag.controlplane." + kind, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		slog.Warn("eventbus: publish failed", "kind", kind, "error", err)
	}
}
