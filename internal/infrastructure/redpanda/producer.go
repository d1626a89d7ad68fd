// Package redpanda provides Kafka-compatible streaming with franz-go for
// dashboard events, refresh requests and snapshots.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is one of lz4, snappy, gzip, zstd or empty for none
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks   int16
	MaxRetries     int
	RetryBackoffMS int64
}

// DefaultProducerConfig favours durability over throughput: audit events
// must not be lost and snapshot volume is small.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		LingerMS:       5,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     5,
		RetryBackoffMS: 200,
	}
}

// MessageObserver counts produced and consumed records.
type MessageObserver interface {
	KafkaMessage(topic, direction, outcome string)
}

// Producer publishes records to Redpanda.
type Producer struct {
	client   *kgo.Client
	logger   *zap.Logger
	tracer   trace.Tracer
	observer MessageObserver

	mu           sync.Mutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

// NewProducer creates a new Redpanda producer. observer may be nil.
func NewProducer(cfg ProducerConfig, observer MessageObserver, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:   client,
		logger:   logger,
		tracer:   otel.Tracer("redpanda-producer"),
		observer: observer,
	}, nil
}

// Publish sends one record and waits for the broker's acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	InjectTraceHeaders(ctx, record)

	err := p.client.ProduceSync(ctx, record).FirstErr()
	p.record(topic, len(value), err)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

func (p *Producer) record(topic string, size int, err error) {
	p.mu.Lock()
	if err != nil {
		p.errorCount++
	} else {
		p.messagesSent++
		p.bytesSent += int64(size)
	}
	p.mu.Unlock()

	if p.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.observer.KafkaMessage(topic, "produced", outcome)
	}
}
