package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// UserOnline is published on SubjectUserOnline when a user registers a push
// connection.
type UserOnline struct {
	UserID string `json:"userId"`
	Ts     int64  `json:"ts"`
}

// NewMessageSignal is published on SubjectNewMessage for every recipient
// without a live connection.
type NewMessageSignal struct {
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	IsGroup     bool   `json:"isGroup"`
	Ts          int64  `json:"ts"`
}

// OfflineHandler consumes the offline-notification contract.
type OfflineHandler interface {
	OnUserOnline(ctx context.Context, userID string) error
	HandleNewMessage(ctx context.Context, recipientID, senderID, senderName string, isGroup bool) error
}

// OfflineNotifier implements the offline-notification contract by
// publishing signals to NATS. Scheduling and delivery happen in the
// notifier service.
type OfflineNotifier struct {
	pub Publisher
	now func() time.Time
}

// NewOfflineNotifier creates an OfflineNotifier publishing through pub.
func NewOfflineNotifier(pub Publisher) *OfflineNotifier {
	return &OfflineNotifier{pub: pub, now: time.Now}
}

// OnUserOnline publishes a UserOnline signal.
func (n *OfflineNotifier) OnUserOnline(_ context.Context, userID string) error {
	return publishJSON(n.pub, SubjectUserOnline, UserOnline{UserID: userID, Ts: n.now().UnixMilli()})
}

// HandleNewMessage publishes a NewMessageSignal.
func (n *OfflineNotifier) HandleNewMessage(_ context.Context, recipientID, senderID, senderName string, isGroup bool) error {
	return publishJSON(n.pub, SubjectNewMessage, NewMessageSignal{
		RecipientID: recipientID,
		SenderID:    senderID,
		SenderName:  senderName,
		IsGroup:     isGroup,
		Ts:          n.now().UnixMilli(),
	})
}

// HandleOffline decodes one offline-contract message and applies it to h.
func HandleOffline(ctx context.Context, subject string, data []byte, h OfflineHandler) error {
	switch subject {
	case SubjectUserOnline:
		var m UserOnline
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("messaging: decode %s: %w", subject, err)
		}
		if m.UserID == "" {
			return fmt.Errorf("messaging: %s without userId", subject)
		}
		return h.OnUserOnline(ctx, m.UserID)
	case SubjectNewMessage:
		var m NewMessageSignal
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("messaging: decode %s: %w", subject, err)
		}
		if m.RecipientID == "" || m.SenderID == "" {
			return fmt.Errorf("messaging: %s without recipient or sender", subject)
		}
		return h.HandleNewMessage(ctx, m.RecipientID, m.SenderID, m.SenderName, m.IsGroup)
	default:
		return fmt.Errorf("messaging: unexpected subject %q", subject)
	}
}

// SubscribeOffline routes both offline-contract subjects to h within the
// queue group. Handler errors go to onError.
func (c *NATSClient) SubscribeOffline(queue string, h OfflineHandler, onError func(subject string, err error)) error {
	handle := func(msg *nats.Msg) {
		if err := HandleOffline(context.Background(), msg.Subject, msg.Data, h); err != nil && onError != nil {
			onError(msg.Subject, err)
		}
	}
	if err := c.QueueSubscribe(SubjectUserOnline, queue, handle); err != nil {
		return err
	}
	return c.QueueSubscribe(SubjectNewMessage, queue, handle)
}
