package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "journeyline/internal/engine"

var tracer = otel.Tracer(instrumentationName)

type counters struct {
	stageCompletions metric.Int64Counter
	gateRejections   metric.Int64Counter
	overdueFound     metric.Int64Counter
	ticketViolations metric.Int64Counter
}

var metrics = newCounters()

func newCounters() counters {
	m := otel.Meter(instrumentationName)
	return counters{
		stageCompletions: counter(m, "journeyline.stage.completions", "Stages completed"),
		gateRejections:   counter(m, "journeyline.gate.rejections", "Stage completions refused by the document gate"),
		overdueFound:     counter(m, "journeyline.deadline.overdue", "Overdue stages found by sweeps"),
		ticketViolations: counter(m, "journeyline.ticket.sla_violations", "Ticket SLA breaches found by sweeps"),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func add(ctx context.Context, c metric.Int64Counter, n int, attrs ...attribute.KeyValue) {
	if n <= 0 {
		return
	}
	c.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// startSpan opens a span; the returned func records err and ends it.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
