package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"txrelay/internal/application"
	"txrelay/internal/infrastructure/telemetry"
	"txrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes submit requests and scan tasks. Submit messages are
// keyed by uuid, scan messages by lock id and partition, so redeliveries
// of one unit land on the same partition.
type Producer struct {
	writer messageWriter
	prefix string
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(writer, cfg.TopicPrefix), nil
}

func newProducer(writer messageWriter, prefix string) *Producer {
	if strings.TrimSpace(prefix) == "" {
		prefix = "txrelay"
	}
	return &Producer{writer: writer, prefix: prefix}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishSubmit(ctx context.Context, chainID uint64, uuid string) error {
	msg := streaming.SubmitMessage(chainID, uuid)
	return p.publish(ctx, "submitter.publish_submit", SubmitTopic(p.prefix, chainID), []streaming.Message{msg}, func(streaming.Message) string {
		return uuid
	}, attribute.String("request.uuid", uuid))
}

func (p *Producer) PublishScan(ctx context.Context, tasks []application.ScanTask) error {
	if len(tasks) == 0 {
		return nil
	}
	msgs := make([]streaming.Message, len(tasks))
	for i, task := range tasks {
		msgs[i] = streaming.ScanMessage(task)
	}
	return p.publish(ctx, "scanner.publish_scan", ScanTopic(p.prefix, tasks[0].ChainID), msgs, func(msg streaming.Message) string {
		return fmt.Sprintf("%s:%d", msg.LockID, msg.Partition)
	}, attribute.Int64("block.number", int64(tasks[0].BlockNumber)), attribute.Int("task.count", len(tasks)))
}

func (p *Producer) publish(ctx context.Context, spanName, topic string, msgs []streaming.Message, key func(streaming.Message) string, attrs ...attribute.KeyValue) error {
	// Publishing outside any trace starts a fresh one so consumers can
	// still correlate by trace_id.
	if !trace.SpanContextFromContext(ctx).IsValid() {
		if traceID, _, ok := telemetry.NewTraceID(); ok {
			if spanCtx, ok := telemetry.NewSpanContext(traceID); ok {
				ctx = trace.ContextWithSpanContext(ctx, spanCtx)
			}
		}
	}
	ctx, span := otel.Tracer("txrelay/kafka").Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(append(attrs, attribute.String("messaging.destination", topic))...)
	traceID := span.SpanContext().TraceID()

	messages := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		if traceID.IsValid() {
			msg.TraceID = traceID.String()
		}
		payload, err := streaming.Encode(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		headers := make([]kafka.Header, 0, 2)
		telemetry.InjectKafkaHeaders(ctx, &headers)
		messages = append(messages, kafka.Message{
			Topic:   topic,
			Key:     []byte(key(msg)),
			Value:   payload,
			Headers: headers,
		})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func SubmitTopic(prefix string, chainID uint64) string {
	return fmt.Sprintf("%s-submit-%d", prefix, chainID)
}

func ScanTopic(prefix string, chainID uint64) string {
	return fmt.Sprintf("%s-scan-%d", prefix, chainID)
}
