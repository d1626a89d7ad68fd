package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	// StartOffset is "earliest" or "latest"
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the snapshot worker group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "dashboard-snapshot-worker",
		Topics:              []string{TopicRefreshRequests},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       8 << 20,
		StartOffset:         "latest",
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in a consumer group and commits each record only
// after its handler succeeds.
type Consumer struct {
	client   *kgo.Client
	logger   *zap.Logger
	tracer   trace.Tracer
	handler  MessageHandler
	observer MessageObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	messagesRead int64
	errorCount   int64
}

// NewConsumer creates a new Redpanda consumer. observer may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, observer MessageObserver, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:   client,
		logger:   logger,
		tracer:   otel.Tracer("redpanda-consumer"),
		handler:  handler,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the in-flight record, commits what has been handled and
// leaves the group.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.addError()
		})

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(record)
		})
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := ExtractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.offset", record.Offset),
		))
	defer span.End()

	if err := c.handler(ctx, toMessage(record)); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.addError()
		c.observe(record.Topic, "error")
		// The offset is not marked; the record is redelivered after a rebalance or restart.
		return
	}

	c.mu.Lock()
	c.messagesRead++
	c.mu.Unlock()
	c.observe(record.Topic, "ok")

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
	}
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{MessagesRead: c.messagesRead, ErrorCount: c.errorCount}
}

func (c *Consumer) addError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func (c *Consumer) observe(topic, outcome string) {
	if c.observer != nil {
		c.observer.KafkaMessage(topic, "consumed", outcome)
	}
}
