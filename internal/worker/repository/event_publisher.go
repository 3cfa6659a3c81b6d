package repository

import (
	"context"
	"encoding/json"

	"clipflow_worker/internal/worker/domain"

	"github.com/segmentio/kafka-go"
)

// EventPublisher definition job lifecycle event publishing
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event domain.JobEvent) error
}

type kafkaEventPublisher struct {
	writer *kafka.Writer
}

// NewKafkaEventPublisher create an EventPublisher backed by a kafka writer
func NewKafkaEventPublisher(writer *kafka.Writer) EventPublisher {
	return &kafkaEventPublisher{writer: writer}
}

func (p *kafkaEventPublisher) PublishJobEvent(ctx context.Context, event domain.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.JobID),
		Value: data,
	})
}
