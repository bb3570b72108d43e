package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
)

// Publisher writes one event to a fixed topic.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// ReplayDeadLetters returns a handler that re-publishes dead-lettered
// messages to the topic they originally came from, keyed as before so they
// rejoin their mailbox's partition. Messages from topics without a publisher
// are dropped.
func ReplayDeadLetters(publishers map[string]Publisher) kafka.MessageHandler {
	log := logger.WithComponent("dead-letter-replay")
	return func(ctx context.Context, key, value []byte) error {
		dl, err := kafka.DecodeJSON[kafka.DeadLetter](value)
		if err != nil {
			return resilience.Permanent(err)
		}
		p, ok := publishers[dl.Topic]
		if !ok {
			log.Warn("dropping dead letter from unknown topic", "topic", dl.Topic, "offset", dl.Offset)
			return resilience.Permanent(fmt.Errorf("no publisher for topic %q: %w", dl.Topic, apperrors.ErrInvalidInput))
		}
		event := kafka.Event{Key: dl.Key, Value: json.RawMessage(dl.Value)}
		if account, err := uuid.Parse(dl.Key); err == nil {
			event = kafka.AccountEvent(account, json.RawMessage(dl.Value))
		}
		if err := p.Publish(ctx, event); err != nil {
			return fmt.Errorf("replaying %s@%d: %w", dl.Topic, dl.Offset, err)
		}
		log.Info("dead letter replayed", "topic", dl.Topic, "partition", dl.Partition, "offset", dl.Offset, "original_error", dl.Error)
		return nil
	}
}
