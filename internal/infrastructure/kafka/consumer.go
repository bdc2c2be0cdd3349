package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"txrelay/internal/infrastructure/telemetry"
	"txrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerObserver receives per-message consumer events.
type ConsumerObserver interface {
	MessageConsumed(topic string, lag time.Duration)
	ConsumeError(stage string)
}

// Handler processes one decoded message. Returning an error logs it; the
// offset is still committed unless ctx is done, since the sweeper owns
// retries of anything left behind.
type Handler func(ctx context.Context, msg streaming.Message) error

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
	// FetchBackoff is the pause after a failed fetch.
	FetchBackoff time.Duration
}

type Consumer struct {
	reader   messageReader
	topic    string
	backoff  time.Duration
	observer ConsumerObserver
}

func NewConsumer(cfg ConsumerConfig, observer ConsumerObserver) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" || cfg.Topic == "" {
		return nil, errors.New("kafka group and topic are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(reader, cfg.Topic, cfg.FetchBackoff, observer), nil
}

func newConsumer(reader messageReader, topic string, backoff time.Duration, observer ConsumerObserver) *Consumer {
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	if observer == nil {
		observer = nopConsumerObserver{}
	}
	return &Consumer{reader: reader, topic: topic, backoff: backoff, observer: observer}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Run fetches until ctx ends.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	tracer := otel.Tracer("txrelay/kafka")
	var handled uint64
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.observer.ConsumeError("fetch")
			slog.Warn("kafka fetch error", "topic", c.topic, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		decoded, err := streaming.Decode(message.Value)
		if err != nil {
			slog.Error("message decode error", "topic", message.Topic, "offset", message.Offset, "err", err)
			c.observer.ConsumeError("decode")
			c.commit(ctx, message)
			continue
		}

		messageCtx, span := tracer.Start(telemetry.MessageContext(ctx, message.Headers, decoded.TraceID), "consume."+string(decoded.Type), trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("message.type", string(decoded.Type)),
			attribute.Int64("chain.id", int64(decoded.ChainID)),
		)
		err = handle(messageCtx, decoded)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.observer.ConsumeError("handle")
			slog.Error("message handler error", "type", decoded.Type, "uuid", decoded.UUID, "lock_id", decoded.LockID, "err", err)
		}

		handled++
		if handled%100 == 0 {
			slog.Info("consumer stats", "topic", c.topic, "handled", handled, "offset", message.Offset)
		}
		c.observer.MessageConsumed(message.Topic, time.Since(message.Time))
		c.commit(ctx, message)
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
		c.observer.ConsumeError("commit")
		slog.Warn("kafka commit error", "topic", message.Topic, "offset", message.Offset, "err", err)
	}
}

type nopConsumerObserver struct{}

func (nopConsumerObserver) MessageConsumed(string, time.Duration) {}
func (nopConsumerObserver) ConsumeError(string)                   {}
