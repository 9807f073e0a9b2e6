package client

import (
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/sched"
)

// DefaultTypingSilence is how long after the last keystroke stop_typing is
// sent.
const DefaultTypingSilence = 2 * time.Second

// Sender is the subset of Manager a TypingIndicator needs.
type Sender interface {
	Send(ev protocol.Event) error
}

// TypingIndicator turns keystrokes in one composer into typing bursts.
type TypingIndicator struct {
	send    Sender
	target  protocol.TypingTarget
	sched   sched.Scheduler
	silence time.Duration

	mu     sync.Mutex
	active bool
	seq    uint64
	timer  sched.Task
}

// NewTypingIndicator creates an indicator addressing target.
func NewTypingIndicator(send Sender, target protocol.TypingTarget, s sched.Scheduler, silence time.Duration) *TypingIndicator {
	if s == nil {
		s = sched.Real{}
	}
	if silence <= 0 {
		silence = DefaultTypingSilence
	}
	return &TypingIndicator{send: send, target: target, sched: s, silence: silence}
}

// Keystroke opens a burst if none is open and pushes back its end.
func (t *TypingIndicator) Keystroke() {
	t.mu.Lock()
	start := !t.active
	t.active = true
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.sched.AfterFunc(t.silence, func() { t.expire(seq) })
	t.mu.Unlock()

	if start {
		_ = t.send.Send(&protocol.TypingMsg{TypingTarget: t.target})
	}
}

func (t *TypingIndicator) expire(seq uint64) {
	t.mu.Lock()
	if seq != t.seq || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	_ = t.send.Send(&protocol.StopTypingMsg{TypingTarget: t.target})
}

// Teardown ends an open burst immediately, e.g. when the composer closes.
func (t *TypingIndicator) Teardown() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasActive {
		_ = t.send.Send(&protocol.StopTypingMsg{TypingTarget: t.target})
	}
}

// Active reports whether a burst is open.
func (t *TypingIndicator) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
