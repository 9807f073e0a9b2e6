package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/sched"
)

type recordingSender struct {
	mu  sync.Mutex
	evs []protocol.Type
}

func (r *recordingSender) Send(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev.EventType())
	return nil
}

func (r *recordingSender) sent() []protocol.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Type{}, r.evs...)
}

func newIndicator() (*TypingIndicator, *recordingSender, *sched.Manual) {
	clock := sched.NewManual(time.Unix(0, 0))
	s := &recordingSender{}
	target := protocol.TypingTarget{ConversationID: "c1"}
	return NewTypingIndicator(s, target, clock, 2*time.Second), s, clock
}

func TestTypingIndicator_OneTypingPerBurst(t *testing.T) {
	ti, s, clock := newIndicator()

	ti.Keystroke()
	clock.Advance(time.Second)
	ti.Keystroke()
	clock.Advance(1500 * time.Millisecond)
	ti.Keystroke()

	assert.Equal(t, []protocol.Type{protocol.TypeTyping}, s.sent())
	assert.True(t, ti.Active())

	clock.Advance(2 * time.Second)
	assert.Equal(t, []protocol.Type{protocol.TypeTyping, protocol.TypeStopTyping}, s.sent())
	assert.False(t, ti.Active())

	ti.Keystroke()
	assert.Equal(t, []protocol.Type{protocol.TypeTyping, protocol.TypeStopTyping, protocol.TypeTyping}, s.sent())
}

func TestTypingIndicator_Teardown(t *testing.T) {
	ti, s, clock := newIndicator()

	ti.Teardown()
	assert.Empty(t, s.sent(), "no burst open")

	ti.Keystroke()
	ti.Teardown()
	assert.Equal(t, []protocol.Type{protocol.TypeTyping, protocol.TypeStopTyping}, s.sent())
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(time.Minute)
	assert.Len(t, s.sent(), 2)
}
