package kafka

import (
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/ChatHub/config"
	"github.com/Gopher0727/ChatHub/internal/events"
	"github.com/Gopher0727/ChatHub/internal/utils"
	logger "github.com/Gopher0727/ChatHub/middleware/log"
)

// NewSyncProducer creates a sarama producer for the configured brokers.
//
// Parameters:
//   - cfg: Kafka configuration containing broker addresses and retry settings
//
// Returns:
//   - sarama.SyncProducer: The connected producer
//   - error: Any error encountered while reaching the brokers
func NewSyncProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// Journal appends committed chat events to a Kafka topic for downstream
// consumers (audit, analytics). Publishing runs on the worker pool so a slow
// broker never delays delivery to live sessions; when the pool queue is full
// the record is dropped and logged.
type Journal struct {
	producer sarama.SyncProducer
	topic    string
	pool     *utils.WorkerPool
	log      *logger.Logger
}

func NewJournal(producer sarama.SyncProducer, topic string, pool *utils.WorkerPool, log *logger.Logger) *Journal {
	return &Journal{
		producer: producer,
		topic:    topic,
		pool:     pool,
		log:      log.Named("journal"),
	}
}

// Record schedules ev for publication. Events of one channel share a
// partition key so consumers see them in commit order.
func (j *Journal) Record(ev *events.Event) {
	payload, err := ev.Encode()
	if err != nil {
		j.log.Error("failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.StringEncoder(partitionKey(ev)),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}

	ok := j.pool.TrySubmit(func() {
		partition, offset, err := j.producer.SendMessage(msg)
		if err != nil {
			j.log.Warn("failed to journal event",
				zap.String("type", string(ev.Type)),
				zap.Uint("channel_id", ev.ChannelID),
				zap.Error(err),
			)
			return
		}
		j.log.Debug("event journaled",
			zap.String("type", string(ev.Type)),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
		)
	})
	if !ok {
		j.log.Warn("journal queue full, dropping event", zap.String("type", string(ev.Type)))
	}
}

// Close releases the producer. Stop the worker pool first so queued records
// are flushed.
func (j *Journal) Close() error {
	if err := j.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func partitionKey(ev *events.Event) string {
	if ev.ChannelID != 0 {
		return "channel:" + strconv.FormatUint(uint64(ev.ChannelID), 10)
	}
	return "user:" + strconv.FormatUint(uint64(ev.ActorID), 10)
}
