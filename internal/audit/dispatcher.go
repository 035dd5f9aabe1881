// Package audit streams applied changes to Kafka for downstream consumers.
// Delivery is best effort: the editing pipeline never waits on the broker.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EventChangeApplied marks a change that reached the document store.
const EventChangeApplied = "CHANGE_APPLIED"

// ErrQueueFull indicates the local queue could not accept the event in time.
var ErrQueueFull = errors.New("audit: queue full")

// Event describes an applied change.
type Event struct {
	EventType  string                 `json:"eventType"`
	DocumentID string                 `json:"documentId"`
	Version    int64                  `json:"version"`
	Change     changes.DocumentChange `json:"change"`
	AppliedAt  time.Time              `json:"appliedAt"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) error { return nil }

// DispatcherOptions tunes the queue and retry policy.
type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = int64(o.Workers)
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// KafkaDispatcher buffers events in a bounded queue that worker goroutines
// drain into a Kafka topic, retrying with exponential backoff.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Event
	inFlight *semaphore.Weighted
	options  DispatcherOptions
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) bool
}

// NewKafkaDispatcher constructs a dispatcher. Call Run to start delivery.
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, options DispatcherOptions, logger *zap.Logger) *KafkaDispatcher {
	options = options.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan Event, options.QueueSize),
		inFlight: semaphore.NewWeighted(options.MaxInFlight),
		options:  options,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Record queues event, waiting at most until ctx ends.
func (d *KafkaDispatcher) Record(ctx context.Context, event Event) error {
	select {
	case d.queue <- event:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrQueueFull, ctx.Err())
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *KafkaDispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for workerID := 0; workerID < d.options.Workers; workerID++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}(workerID)
	}
	wg.Wait()
	return nil
}

func (d *KafkaDispatcher) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.sendWithRetry(ctx, workerID, event)
		}
	}
}

func (d *KafkaDispatcher) sendWithRetry(ctx context.Context, workerID int, event Event) {
	for attempt := 0; attempt <= d.options.MaxRetry; attempt++ {
		if err := d.inFlight.Acquire(ctx, 1); err != nil {
			return
		}
		err := d.sendOnce(event)
		d.inFlight.Release(1)
		if err == nil {
			return
		}

		if attempt == d.options.MaxRetry {
			d.logger.Warn(
				"dropping audit event after retries",
				zap.String("document_id", event.DocumentID),
				zap.String("change_id", event.Change.ID),
				zap.Int64("version", event.Version),
				zap.Int("worker", workerID),
				zap.Error(err),
			)
			return
		}

		backoff := d.options.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.options.MaxBackoff {
			backoff = d.options.MaxBackoff
		}
		if !d.sleep(ctx, backoff) {
			return
		}
	}
}

func (d *KafkaDispatcher) sendOnce(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	message := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(event.DocumentID),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = d.producer.SendMessage(message)
	return err
}

func sleepContext(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// NewSyncProducer connects a synchronous producer that waits for the leader ack.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, config)
}
