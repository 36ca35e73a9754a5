package outbox

import (
	"context"
	"log/slog"

	"github.com/sgttomas/solver-ralph-sub008/pkg/store"
)

// Message is what a transport relays. Consumers deduplicate on EventID.
type Message struct {
	OutboxID  int64
	GlobalSeq int64
	EventID   string
	Topic     string
	Body      []byte
	Hash      string
}

func messageFor(rec store.OutboxRecord) Message {
	return Message{
		OutboxID:  rec.GlobalSeq,
		GlobalSeq: rec.GlobalSeq,
		EventID:   rec.EventID,
		Topic:     rec.Topic,
		Body:      rec.Message,
		Hash:      rec.MessageHash,
	}
}

// Transport delivers a message. A nil error is the acknowledgment.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
}

// LogTransport acknowledges every message after logging it.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Publish(ctx context.Context, msg Message) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "outbox message",
		"topic", msg.Topic,
		"event_id", msg.EventID,
		"global_seq", msg.GlobalSeq,
		"hash", msg.Hash,
	)
	return nil
}
