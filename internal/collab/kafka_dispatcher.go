package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaDispatcher: bounded local queue + worker pool + capped retry.
// The commit pipeline only enqueues, so a slow or unreachable broker never
// blocks commits; the queue absorbs bursts and events are dropped (with a
// log line) once retries are exhausted. The event stream is a write-through
// feed, not the source of truth, so losing an event under sustained broker
// failure is acceptable.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan OpCommittedEvent

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger zerolog.Logger
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions, logger zerolog.Logger) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan OpCommittedEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      logger.With().Str("component", "kafka").Logger(),
	}
	d.start()
	return d
}

// Enqueue puts an event on the local queue, waiting at most until ctx
// expires when the queue is full.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt OpCommittedEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt OpCommittedEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.logger.Error().
				Err(err).
				Str("sessionId", evt.SessionID).
				Str("operationId", evt.OperationID).
				Uint64("version", evt.CommittedVersion).
				Int("worker", workerID).
				Msg("kafka send failed, dropping event")
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt OpCommittedEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
