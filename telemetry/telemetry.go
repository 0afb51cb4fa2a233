// Package telemetry records relay metrics with OpenTelemetry.
//
// A nil *Recorder is valid and records nothing, so components can take one
// unconditionally.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mbocsi/kioskrelay"

type Recorder struct {
	received    metric.Int64Counter
	rejected    metric.Int64Counter
	broadcasts  metric.Int64Counter
	finished    metric.Int64Counter
	connections metric.Int64UpDownCounter
}

// New builds a Recorder on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	r := &Recorder{}
	var err error

	r.received, err = meter.Int64Counter("kiosk.messages.received",
		metric.WithDescription("Inbound envelopes read from terminals"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	r.rejected, err = meter.Int64Counter("kiosk.messages.rejected",
		metric.WithDescription("Inbound envelopes that failed security validation"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}

	r.broadcasts, err = meter.Int64Counter("kiosk.broadcasts",
		metric.WithDescription("Outbound broadcasts by delivery result"),
		metric.WithUnit("{broadcast}"),
	)
	if err != nil {
		return nil, err
	}

	r.finished, err = meter.Int64Counter("kiosk.transactions.finished",
		metric.WithDescription("Transactions that reached a final state"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	r.connections, err = meter.Int64UpDownCounter("kiosk.terminals.connected",
		metric.WithDescription("Currently connected terminals"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Recorder) MessageReceived(ctx context.Context, protocol string) {
	if r == nil {
		return
	}
	r.received.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", protocol)))
}

func (r *Recorder) MessageRejected(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *Recorder) Broadcast(ctx context.Context, delivered bool) {
	if r == nil {
		return
	}
	r.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
}

func (r *Recorder) TransactionFinished(ctx context.Context, state string) {
	if r == nil {
		return
	}
	r.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (r *Recorder) TerminalConnected(ctx context.Context) {
	if r == nil {
		return
	}
	r.connections.Add(ctx, 1)
}

func (r *Recorder) TerminalDisconnected(ctx context.Context) {
	if r == nil {
		return
	}
	r.connections.Add(ctx, -1)
}
