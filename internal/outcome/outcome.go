// Package outcome publishes terminal call results for downstream consumers
// (reporting, billing) that are not part of the dialer.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"outbound-dialer/internal/store"
)

// Outcome is one finished call.
type Outcome struct {
	DialID       string            `json:"dial_id"`
	SwitchCallID string            `json:"switch_call_id,omitempty"`
	CampaignID   string            `json:"campaign_id"`
	ContactID    string            `json:"contact_id"`
	WorkerID     string            `json:"worker_id"`
	Status       store.Status      `json:"status"`
	Cause        int               `json:"cause"`
	Orphaned     bool              `json:"orphaned,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	AnsweredAt   *time.Time        `json:"answered_at,omitempty"`
	EndedAt      time.Time         `json:"ended_at"`
	Vars         map[string]string `json:"vars,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// Nop drops every outcome.
type Nop struct{}

func (Nop) Publish(context.Context, Outcome) error { return nil }
func (Nop) Close() error                           { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher writes outcomes as JSON, keyed by campaign id so one
// campaign's outcomes stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, timeout: 3 * time.Second}, nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func (p *KafkaPublisher) Publish(ctx context.Context, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(o.CampaignID),
		Value: b,
		Headers: []kgo.Header{
			{Key: "status", Value: []byte(o.Status)},
		},
		Time: o.EndedAt,
	})
}
