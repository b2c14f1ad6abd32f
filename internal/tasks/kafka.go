package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/observability"
)

// KafkaQueue publishes task envelopes to a topic consumed by cmd/worker.
type KafkaQueue struct {
	writer *kafka.Writer
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaQueue{writer: w}
}

func (k *KafkaQueue) Enqueue(ctx context.Context, name string, payload any) error {
	env, err := newEnvelope(name, payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(env.ID), Value: b}); err != nil {
		observability.Tasks.WithLabelValues(name, "enqueue_failed").Inc()
		return err
	}
	observability.Tasks.WithLabelValues(name, "enqueued").Inc()
	return nil
}

func (k *KafkaQueue) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type ConsumerConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	MaxBackoff  time.Duration
}

// Consumer executes envelopes read from Kafka. Offsets are committed after
// the handler ran, successful or not, so a poison message cannot wedge the
// partition; failures are logged and counted.
type Consumer struct {
	reader MessageReader
	reg    *Registry
	cfg    ConsumerConfig
	log    *slog.Logger
}

func NewConsumer(reader MessageReader, reg *Registry, cfg ConsumerConfig, log *slog.Logger) *Consumer {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Consumer{reader: reader, reg: reg, cfg: cfg, log: log}
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		c.handle(ctx, m)
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		observability.Tasks.WithLabelValues("invalid", "rejected").Inc()
		c.log.Warn("invalid task message", "offset", m.Offset, "error", err)
		return
	}
	if err := Execute(ctx, c.reg, env, c.cfg.MaxAttempts, c.cfg.RetryDelay); err != nil {
		c.log.Error("task failed", "task", env.Name, "task_id", env.ID, "error", err)
	}
}
