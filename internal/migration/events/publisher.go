// Package events publishes job lifecycle events for downstream consumers
// (dashboards, notification services). The engine never blocks on event
// delivery; publish failures are logged and dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"constitutional/internal/migration/models"
)

// DefaultTopic carries job lifecycle events unless overridden.
const DefaultTopic = "migration.jobs"

// KafkaPublisher produces lifecycle events to Kafka.
type KafkaPublisher struct {
	client *kgo.Client
}

// NewKafkaPublisher connects a producer to the given brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return &KafkaPublisher{client: client}, nil
}

// Publish produces one event, keyed by job ID so per-job ordering is
// preserved within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event models.JobEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(event.JobID),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce event: %w", err)
	}
	return nil
}

// Close flushes and shuts down the producer.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// MemoryPublisher collects events in memory for tests and for deployments
// without a broker.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []models.JobEvent
}

// NewMemoryPublisher returns an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event models.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a snapshot of published events.
func (p *MemoryPublisher) Events() []models.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JobEvent, len(p.events))
	copy(out, p.events)
	return out
}
