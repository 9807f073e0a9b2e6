// Package offline batches new-message signals for users without a live
// connection into delayed notices, and drops them if the user comes back
// online first.
package offline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/sched"
)

// Notice summarizes the messages a user missed.
type Notice struct {
	RecipientID string
	SenderNames []string // distinct, in arrival order
	Count       int
	HasGroup    bool
	FirstAt     time.Time
}

// Sink delivers a notice (email, mobile push, ...).
type Sink interface {
	Deliver(ctx context.Context, n Notice) error
}

type pending struct {
	notice Notice
	task   sched.Task
}

// Scheduler holds one pending notice per recipient. The first signal for a
// recipient starts the delay; later signals fold into the same notice.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pending
	delay   time.Duration
	sched   sched.Scheduler
	sink    Sink
	log     zerolog.Logger
}

// NewScheduler creates a Scheduler that delivers to sink after delay.
func NewScheduler(sink Sink, s sched.Scheduler, delay time.Duration, log zerolog.Logger) *Scheduler {
	if s == nil {
		s = sched.Real{}
	}
	return &Scheduler{
		pending: make(map[string]*pending),
		delay:   delay,
		sched:   s,
		sink:    sink,
		log:     log,
	}
}

// OnUserOnline cancels the pending notice for userID.
func (s *Scheduler) OnUserOnline(_ context.Context, userID string) error {
	s.mu.Lock()
	p, ok := s.pending[userID]
	if ok {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	if ok {
		p.task.Stop()
		s.log.Debug().Str("user_id", userID).Int("count", p.notice.Count).Msg("notice cancelled, user online")
	}
	return nil
}

// HandleNewMessage folds a missed message into recipientID's notice.
func (s *Scheduler) HandleNewMessage(_ context.Context, recipientID, senderID, senderName string, isGroup bool) error {
	name := senderName
	if name == "" {
		name = senderID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[recipientID]
	if !ok {
		p = &pending{notice: Notice{RecipientID: recipientID, FirstAt: s.sched.Now()}}
		s.pending[recipientID] = p
		p.task = s.sched.AfterFunc(s.delay, func() { s.fire(recipientID, p) })
	}
	p.notice.Count++
	p.notice.HasGroup = p.notice.HasGroup || isGroup
	if !slices.Contains(p.notice.SenderNames, name) {
		p.notice.SenderNames = append(p.notice.SenderNames, name)
	}
	return nil
}

func (s *Scheduler) fire(recipientID string, p *pending) {
	s.mu.Lock()
	if s.pending[recipientID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, recipientID)
	n := p.notice
	n.SenderNames = slices.Clone(n.SenderNames)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sink.Deliver(ctx, n); err != nil {
		s.log.Error().Err(err).Str("user_id", recipientID).Msg("notice delivery failed")
	}
}

// Pending returns the number of recipients with an undelivered notice.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LogSink writes notices to the log. It stands in for a real delivery
// channel.
type LogSink struct {
	Log zerolog.Logger
}

// Deliver logs n.
func (l LogSink) Deliver(_ context.Context, n Notice) error {
	l.Log.Info().
		Str("user_id", n.RecipientID).
		Int("count", n.Count).
		Strs("from", n.SenderNames).
		Bool("group", n.HasGroup).
		Time("first_at", n.FirstAt).
		Msg("offline notice")
	return nil
}
