package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultReplayLimit       = 100
	DefaultReplayIdleTimeout = 2 * time.Second
)

// ReplayConfig — параметры переотправки сообщений из DLQ.
type ReplayConfig struct {
	SourceTopic string
	// TargetTopic используется для outbox-записей; сообщения consumer'а
	// возвращаются в свой исходный топик.
	TargetTopic string
	Limit       int
	// Execute=false — dry-run: кандидаты только логируются.
	Execute    bool
	FromNewest bool
	// IncludePermanent переотправляет и сообщения, отклонённые как невалидные.
	IncludePermanent bool
	IdleTimeout      time.Duration
}

// Validate проверяет параметры переотправки.
func (c ReplayConfig) Validate() error {
	if strings.TrimSpace(c.SourceTopic) == "" {
		return errors.New("source-topic is required")
	}
	if strings.TrimSpace(c.TargetTopic) == "" {
		return errors.New("target-topic is required")
	}
	if c.Limit <= 0 {
		return errors.New("limit must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

// ReplayReport — итог переотправки.
type ReplayReport struct {
	Processed int `json:"processed"`
	Replayed  int `json:"replayed"`
	Skipped   int `json:"skipped"`
}

// OffsetClient — часть sarama.Client, нужная для чтения границ партиций.
type OffsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

// PartitionConsumer — часть sarama.PartitionConsumer.
type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionConsumerSource открывает чтение партиции.
type PartitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
	Close() error
}

// ReplayProducer отправляет восстановленные сообщения.
type ReplayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// NewReplayDependencies подключается к Kafka. Producer создаётся только в режиме execute.
func NewReplayDependencies(brokers []string, execute bool) (OffsetClient, PartitionConsumerSource, ReplayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	if !execute {
		return client, consumer, nil, nil
	}

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

// Replay читает до cfg.Limit сообщений DLQ по всем партициям и переотправляет их.
func Replay(ctx context.Context, cfg ReplayConfig, client OffsetClient, consumer PartitionConsumerSource, producer ReplayProducer, logger *log.Entry) (ReplayReport, error) {
	var report ReplayReport
	if logger == nil {
		logger = log.WithField("component", "dlq-replay")
	}
	if client == nil || consumer == nil {
		return report, errors.New("kafka client and consumer are required")
	}
	if cfg.Execute && producer == nil {
		return report, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.SourceTopic)
	if err != nil {
		return report, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		logger.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return report, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if report.Processed >= cfg.Limit {
			break
		}

		stats, err := replayPartition(ctx, consumer, client, producer, cfg, partition, cfg.Limit-report.Processed, logger)
		report.Processed += stats.Processed
		report.Replayed += stats.Replayed
		report.Skipped += stats.Skipped
		if err != nil {
			return report, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": report.Processed,
		"replayed":  report.Replayed,
		"skipped":   report.Skipped,
	}).Info("dlq replay finished")

	return report, nil
}

func replayPartition(
	ctx context.Context,
	consumer PartitionConsumerSource,
	client OffsetClient,
	producer ReplayProducer,
	cfg ReplayConfig,
	partition int32,
	limit int,
	logger *log.Entry,
) (ReplayReport, error) {
	var stats ReplayReport
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.FromNewest {
		startOffset = max(newest-int64(limit), oldest)
	}

	partitionConsumer, err := consumer.ConsumePartition(cfg.SourceTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = partitionConsumer.Close() }()

	idleTimer := time.NewTimer(cfg.IdleTimeout)
	defer idleTimer.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-partitionConsumer.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-partitionConsumer.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.IdleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}

			entry := logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
			candidate, ok, err := ExtractReplayMessage(msg, cfg.TargetTopic)
			stats.Processed++
			switch {
			case err != nil:
				stats.Skipped++
				entry.WithError(err).Warn("skip unsupported dlq message")
			case !ok:
				stats.Skipped++
			case candidate.Permanent && !cfg.IncludePermanent:
				stats.Skipped++
				entry.Debug("skip permanently rejected message")
			case cfg.Execute:
				if err := PublishReplay(producer, candidate); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.Replayed++
			default:
				entry.WithFields(log.Fields{
					"target_topic": candidate.Topic,
					"key":          candidate.Key,
				}).Info("dlq replay candidate")
				stats.Replayed++
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// ReplayMessage — сообщение, восстановленное из записи DLQ.
type ReplayMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Permanent bool
}

// PublishReplay отправляет восстановленное сообщение.
func PublishReplay(producer ReplayProducer, msg ReplayMessage) error {
	if producer == nil {
		return errors.New("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

type outboxDLQPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// ExtractReplayMessage распознаёт оба формата DLQ: DLQMessage consumer'а
// и OutboxEnvelope outbox worker'а. ok=false — формат не распознан.
func ExtractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (ReplayMessage, bool, error) {
	var consumerPayload DLQMessage
	if err := json.Unmarshal(msg.Value, &consumerPayload); err == nil && consumerPayload.OriginalValue != "" {
		return ReplayMessage{
			Topic:     firstNonEmpty(consumerPayload.OriginalTopic, defaultTopic),
			Key:       consumerPayload.OriginalKey,
			Value:     []byte(consumerPayload.OriginalValue),
			Permanent: consumerPayload.Permanent,
		}, true, nil
	}

	var envelope OutboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return ReplayMessage{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return ReplayMessage{}, false, nil
	}

	var dlqPayload outboxDLQPayload
	if err := json.Unmarshal(envelope.Payload, &dlqPayload); err != nil {
		return ReplayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dlqPayload.Payload) == 0 {
		return ReplayMessage{}, false, errors.New("outbox dlq payload does not contain original event payload")
	}

	replay := OutboxEnvelope{
		ID:            firstNonEmpty(dlqPayload.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dlqPayload.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dlqPayload.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dlqPayload.EventType, envelope.EventType),
		Payload:       dlqPayload.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return ReplayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	return ReplayMessage{
		Topic: defaultTopic,
		Key:   firstNonEmpty(replay.AggregateID, replay.ID),
		Value: encoded,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
