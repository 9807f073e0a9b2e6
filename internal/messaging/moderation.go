package messaging

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chatsync/internal/moderation"
)

// FlagPublisher publishes moderation flags for auditing.
type FlagPublisher struct {
	pub Publisher
}

// NewFlagPublisher creates a FlagPublisher publishing through pub.
func NewFlagPublisher(pub Publisher) *FlagPublisher {
	return &FlagPublisher{pub: pub}
}

// Flagged publishes f on SubjectModerationFlagged.
func (p *FlagPublisher) Flagged(_ context.Context, f moderation.Flag) error {
	return publishJSON(p.pub, SubjectModerationFlagged, f)
}

// SubscribeFlags delivers every decodable moderation flag to handler.
func (c *NATSClient) SubscribeFlags(handler func(moderation.Flag)) error {
	return c.Subscribe(SubjectModerationFlagged, func(msg *nats.Msg) {
		var f moderation.Flag
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			c.log.Warn().Err(err).Msg("undecodable moderation flag")
			return
		}
		handler(f)
	})
}
