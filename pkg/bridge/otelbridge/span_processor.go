package otelbridge

import (
	"context"
	"encoding/binary"

	collectorModel "github.com/observark/fluentbridge/pkg/collector/model"
	collectorService "github.com/observark/fluentbridge/pkg/collector/service"
	fluentModel "github.com/observark/fluentbridge/pkg/fluent/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanProcessor adapts the OpenTelemetry SDK's span lifecycle onto the
// collector's four-callback handler. Span events become forwarded records;
// span durations themselves are not emitted.
type SpanProcessor struct {
	handler collectorService.Handler
}

func NewSpanProcessor(handler collectorService.Handler) *SpanProcessor {
	return &SpanProcessor{handler: handler}
}

func (sp *SpanProcessor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	fields := attributesToFields(s.Attributes())
	fields = append(fields, fluentModel.Field{Key: "span.name", Value: s.Name()})
	sp.handler.OnSpanCreate(spanID(s.SpanContext()), parentID(s.Parent()), fields)
}

func (sp *SpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	id := spanID(s.SpanContext())

	// Attributes set after OnStart are only visible here.
	sp.handler.OnRecordFields(id, attributesToFields(s.Attributes()))

	scope := s.InstrumentationScope().Name
	for _, event := range s.Events() {
		meta := collectorModel.EventMetadata{
			Name:   event.Name,
			Target: scope,
			Level:  levelForStatus(s.Status().Code),
			SpanID: id,
			Time:   event.Time,
		}
		fields := attributesToFields(event.Attributes)
		fields = append(fields, fluentModel.Field{Key: "message", Value: event.Name})
		sp.handler.OnEvent(meta, fields)
	}

	sp.handler.OnSpanClose(id)
}

func (sp *SpanProcessor) Shutdown(context.Context) error {
	return nil
}

func (sp *SpanProcessor) ForceFlush(context.Context) error {
	return nil
}

func spanID(sc trace.SpanContext) uint64 {
	id := sc.SpanID()
	return binary.BigEndian.Uint64(id[:])
}

func parentID(sc trace.SpanContext) uint64 {
	if !sc.IsValid() {
		return 0
	}
	return spanID(sc)
}

func attributesToFields(attrs []attribute.KeyValue) []fluentModel.Field {
	fields := make([]fluentModel.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, fluentModel.Field{
			Key:   string(attr.Key),
			Value: attr.Value.AsInterface(),
		})
	}
	return fields
}

func levelForStatus(code codes.Code) collectorModel.Level {
	if code == codes.Error {
		return collectorModel.LevelError
	}
	return collectorModel.LevelInfo
}
