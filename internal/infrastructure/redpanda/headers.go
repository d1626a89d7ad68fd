package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// recordCarrier adapts kgo record headers to a propagation.TextMapCarrier.
type recordCarrier struct {
	record *kgo.Record
}

var _ propagation.TextMapCarrier = recordCarrier{}

func (c recordCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c recordCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c recordCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectTraceHeaders writes the trace context of ctx into the record headers.
func InjectTraceHeaders(ctx context.Context, record *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, recordCarrier{record})
}

// ExtractTraceContext returns ctx carrying the trace context found in the
// record headers, if any.
func ExtractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, recordCarrier{record})
}
