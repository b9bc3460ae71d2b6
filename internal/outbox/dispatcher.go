package outbox

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Simplici0/printflow/internal/tracing"
)

// Producer is the part of *kafka.Writer the dispatcher needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a Kafka writer that routes by message key, so all events
// of one order land on the same partition in order.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

type Dispatcher struct {
	log      logrus.FieldLogger
	producer Producer
	topic    string
}

func NewDispatcher(log logrus.FieldLogger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic}
}

// Dispatch publishes one outbox message keyed by its aggregate id. The
// publish runs under the trace of the request that wrote the row.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) error {
	ctx, span := tracing.Tracer().Start(tracing.FromTraceparent(ctx, m.Traceparent), "outbox.Dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.Int64("outbox.id", m.ID), attribute.String("order.id", m.AggregateID)))
	defer span.End()

	fields := logrus.Fields{"outbox_id": m.ID, "type": m.Type, "order_id": m.AggregateID}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(m.Type)}}
	if m.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(m.Traceparent)})
	}

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(m.AggregateID),
		Value:   m.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.WithFields(fields).WithError(err).Error("outbox dispatch failed")
		return fmt.Errorf("publish outbox message %d: %w", m.ID, err)
	}
	d.log.WithFields(fields).Debug("outbox dispatched")
	return nil
}
