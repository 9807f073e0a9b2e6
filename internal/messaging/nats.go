// Package messaging wraps the NATS connection shared by chatsync services
// and carries the offline-notification contract between the push server and
// the notifier.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects. Offline signals share a prefix so a notifier can watch them
// with one wildcard while debugging.
const (
	SubjectUserOnline        = "chat.offline.online"
	SubjectNewMessage        = "chat.offline.message"
	SubjectModerationFlagged = "chat.moderation.flagged"
)

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string
	Name          string // shown in the server's connz
	ReconnectWait time.Duration
	MaxReconnects int // -1 retries forever
	DrainTimeout  time.Duration
}

// DefaultNATSConfig connects to a local server and reconnects forever.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chatsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		DrainTimeout:  5 * time.Second,
	}
}

// NATSClient owns one NATS connection and the subscriptions made through
// it, so Close can drain them in order.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient dials cfg.URL. Only the first connect can fail; later
// disconnects are retried by the library and logged.
func NewNATSClient(cfg NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Uint64("reconnects", nc.Reconnects).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("nats async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return &NATSClient{conn: nc, log: log}, nil
}

// Publish sends data on subject. It buffers while reconnecting.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Connected reports whether the connection is currently up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Subscribe delivers every message on subject to handler.
func (c *NATSClient) Subscribe(subject string, handler nats.MsgHandler) error {
	return c.subscribe(subject, "", handler)
}

// QueueSubscribe is Subscribe within a queue group, so each message goes
// to one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler nats.MsgHandler) error {
	return c.subscribe(subject, queue, handler)
}

func (c *NATSClient) subscribe(subject, queue string, handler nats.MsgHandler) error {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Flush round-trips to the server so pending publishes and subscriptions
// have been processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains subscriptions so in-flight handlers finish, then drains and
// closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", sub.Subject).Msg("nats subscription drain")
		}
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats connection drain")
	}
	c.log.Info().Msg("nats client closed")
}

// Publisher is the publishing half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// publishJSON encodes v and publishes it on subject.
func publishJSON(pub Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}
