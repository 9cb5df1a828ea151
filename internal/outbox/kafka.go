// Package outbox hands new-message notifications to the push pipeline
// through Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/models"
)

// previewRunes bounds the notification body.
const previewRunes = 140

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notification is the record written for every new message.
type Notification struct {
	MessageID      string    `json:"message_id"`
	ChannelID      string    `json:"channel_id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_name,omitempty"`
	Preview        string    `json:"preview"`
	HasAttachments bool      `json:"has_attachments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// KafkaPublisher is a backend.Publisher that forwards message inserts and
// ignores every other event.
type KafkaPublisher struct {
	w   Writer
	log *logger.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("Failed to deliver notifications", "count", len(msgs), "error", err)
			}
		},
	}
	return NewPublisher(w, log)
}

func NewPublisher(w Writer, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, log: log}
}

// NotificationFor returns the record for ev, or false when ev does not
// produce one.
func NotificationFor(ev models.Event) (Notification, bool) {
	if ev.Table != models.TableMessages || ev.Op != models.OpInsert || ev.Message == nil {
		return Notification{}, false
	}
	m := ev.Message
	preview := []rune(m.Content)
	if len(preview) > previewRunes {
		preview = append(preview[:previewRunes-1], '…')
	}
	return Notification{
		MessageID:      m.ID,
		ChannelID:      m.ChannelID,
		AuthorID:       m.AuthorID,
		AuthorName:     m.Author.DisplayName,
		Preview:        string(preview),
		HasAttachments: len(m.Attachments) > 0,
		CreatedAt:      m.CreatedAt,
	}, true
}

// Publish implements backend.Publisher. Records are keyed by channel so
// one channel's notifications stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev models.Event) error {
	n, ok := NotificationFor(ev)
	if !ok {
		return nil
	}
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.ChannelID),
		Value: value,
		Time:  n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
