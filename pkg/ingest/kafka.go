package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/redress-ops/redress/pkg/config"
)

// KafkaIngestor consumes wire messages from a Kafka topic through a
// consumer group. Offsets are committed by ReadMessage after the
// handler returns.
type KafkaIngestor struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler func(Message)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaIngestor creates a consumer over the configured brokers.
func NewKafkaIngestor(cfg config.KafkaConfig, logger *slog.Logger) *KafkaIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaIngestor{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		logger: logger.With("component", "kafka_ingestor"),
	}
}

// SetHandler installs the message callback.
func (k *KafkaIngestor) SetHandler(fn func(Message)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handler = fn
}

// Start launches the consume loop. Malformed messages are logged and
// skipped; their offsets still commit so the partition keeps moving.
func (k *KafkaIngestor) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.handler == nil {
		return errors.New("kafka ingestor has no handler")
	}
	if k.cancel != nil {
		return errors.New("kafka ingestor already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})

	go k.consume(loopCtx)
	return nil
}

func (k *KafkaIngestor) consume(ctx context.Context) {
	defer close(k.done)
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			k.logger.Error("Reading Kafka message failed", "error", err)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		msg, err := ParseMessage(m.Value)
		if err != nil {
			k.logger.Warn("Skipping malformed ingestion message",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		k.handler(msg)
	}
}

// Stop cancels the consume loop and closes the reader.
func (k *KafkaIngestor) Stop() error {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return k.reader.Close()
}
