// Package audit publishes a record of every dispatched batch to Kafka for
// offline analysis of batch-formation behavior. It is entirely optional —
// absent configuration, no sink is installed and the scheduler records no
// audit — and fire-and-forget: a
// publish failure is logged and otherwise has no effect on ticket delivery.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/ssw/batchproxy/internal/scheduler"
)

// record is the JSON shape published to the audit topic.
type record struct {
	Strategy   string   `json:"strategy"`
	Tenants    []string `json:"tenants"`
	Size       int      `json:"size"`
	DurationMS float64  `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

// KafkaSink publishes BatchOutcomes as one record per batch.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logrus.Logger
}

// NewKafkaSink connects to the given brokers and returns a sink publishing
// to topic. The producer is async: RecordBatch never blocks the dispatcher
// on Kafka availability.
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	sink := &KafkaSink{producer: producer, topic: topic, logger: logger}
	go sink.drainErrors()
	return sink, nil
}

func (s *KafkaSink) drainErrors() {
	for err := range s.producer.Errors() {
		s.logger.WithError(err.Err).Warn("audit: failed to publish batch outcome")
	}
}

// RecordBatch implements scheduler.AuditSink.
func (s *KafkaSink) RecordBatch(outcome scheduler.BatchOutcome) {
	rec := record{
		Strategy:   outcome.Strategy.String(),
		Tenants:    outcome.TenantIDs,
		Size:       outcome.Size,
		DurationMS: outcome.DurationMS,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.WithError(err).Warn("audit: failed to marshal batch outcome")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strings.Join(rec.Tenants, ",")),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case s.producer.Input() <- msg:
	default:
		s.logger.Warn("audit: producer input full, dropping batch outcome")
	}
}

// Close shuts the underlying producer down.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
