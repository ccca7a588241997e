// Package publish fans committed insights out to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"airwatch-service/models"
	"airwatch-service/telemetry"
)

// EventTypeInsight tags insight events on the wire
const EventTypeInsight = "airwatch.insight.v1"

const (
	publisherQueueSize = 256
	writeTimeout       = 10 * time.Second
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
	ErrQueueFull       = errors.New("publish queue full")
)

// InsightEvent is the payload published for every committed insight
type InsightEvent struct {
	Type        string              `json:"type"`
	RoomID      string              `json:"roomId"`
	RoomName    string              `json:"roomName"`
	Reason      string              `json:"reason"`
	Insight     models.Insight      `json:"insight"`
	Staleness   telemetry.Staleness `json:"staleness"`
	PublishedAt time.Time           `json:"publishedAt"`
}

// InsightPublisher delivers insight events. Publish must not block the caller
// on the network.
type InsightPublisher interface {
	Publish(ctx context.Context, ev InsightEvent) error
	Close(ctx context.Context) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, InsightEvent) error { return nil }
func (Nop) Close(context.Context) error                 { return nil }

// Config configures the Kafka publisher
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher asynchronously writes insight events keyed by room ID
type KafkaPublisher struct {
	writer  messageWriter
	log     *slog.Logger
	onError func()

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	wg     sync.WaitGroup
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic
func NewKafkaPublisher(cfg Config, log *slog.Logger) (*KafkaPublisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, log), nil
}

func newKafkaPublisher(writer messageWriter, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	p := &KafkaPublisher{
		writer: writer,
		log:    log.With(slog.String("component", "insight_publisher")),
		queue:  make(chan kafka.Message, publisherQueueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// OnError registers a hook called for every event that could not be delivered
func (p *KafkaPublisher) OnError(fn func()) {
	p.onError = fn
}

// Publish queues an event. It never waits for the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, ev InsightEvent) error {
	ev.Type = EventTypeInsight
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.failed()
		return fmt.Errorf("failed to encode insight event: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	select {
	case p.queue <- kafka.Message{Key: []byte(ev.RoomID), Value: value}:
		return nil
	case <-ctx.Done():
		p.failed()
		return ctx.Err()
	default:
		p.failed()
		p.log.Warn("insight_publish_dropped", "room", ev.RoomID, "reason", "queue_full")
		return ErrQueueFull
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for msg := range p.queue {
		p.deliver(msg)
	}
}

func (p *KafkaPublisher) deliver(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed()
		p.log.Error("insight_publish_err", "room", string(msg.Key), "error", err)
		return
	}
	p.log.Debug("insight_published", "room", string(msg.Key))
}

func (p *KafkaPublisher) failed() {
	if p.onError != nil {
		p.onError()
	}
}

// Close stops accepting events, drains the queue and closes the writer
func (p *KafkaPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		drainErr = ctx.Err()
	}

	if err := p.writer.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("failed to close kafka writer: %w", err))
	}
	return drainErr
}

var (
	_ InsightPublisher = (*KafkaPublisher)(nil)
	_ InsightPublisher = Nop{}
)
