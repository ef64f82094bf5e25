package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/provider-matching/internal/models"
)

const (
	BookingEventsTopic  = "booking-events"
	ListingUpdatesTopic = "listing-updates"
)

// BookingEvent is the wire form of a committed audit entry.
type BookingEvent struct {
	EventID    string            `json:"event_id"`
	Action     string            `json:"action"`
	ActorID    int64             `json:"actor_id"`
	BookingID  int64             `json:"booking_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Append publishes e keyed by booking id so one booking's events stay ordered
// within a partition.
func (k *KafkaProducer) Append(ctx context.Context, e models.AuditEntry) error {
	timeout := k.timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	ev := BookingEvent{
		EventID:    uuid.NewString(),
		Action:     e.Action,
		ActorID:    e.ActorID,
		BookingID:  e.TargetID,
		Metadata:   e.Metadata,
		OccurredAt: e.CreatedAt,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatInt(e.TargetID, 10)),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_id", Value: []byte(ev.EventID)}},
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
