package offline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/sched"
)

type recordingSink struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingSink) Deliver(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newScheduler() (*Scheduler, *recordingSink, *sched.Manual) {
	sink := &recordingSink{}
	clock := sched.NewManual(start)
	return NewScheduler(sink, clock, 5*time.Minute, zerolog.Nop()), sink, clock
}

func TestScheduler_BatchesIntoOneNotice(t *testing.T) {
	s, sink, clock := newScheduler()
	ctx := context.Background()

	require.NoError(t, s.HandleNewMessage(ctx, "bob", "alice", "Alice", false))
	clock.Advance(time.Minute)
	require.NoError(t, s.HandleNewMessage(ctx, "bob", "carol", "", true))
	require.NoError(t, s.HandleNewMessage(ctx, "bob", "alice", "Alice", false))
	assert.Equal(t, 1, s.Pending())

	clock.Advance(4 * time.Minute)

	require.Len(t, sink.notices, 1)
	n := sink.notices[0]
	assert.Equal(t, "bob", n.RecipientID)
	assert.Equal(t, 3, n.Count)
	assert.Equal(t, []string{"Alice", "carol"}, n.SenderNames)
	assert.True(t, n.HasGroup)
	assert.True(t, n.FirstAt.Equal(start))
	assert.Zero(t, s.Pending())
}

func TestScheduler_OnlineCancels(t *testing.T) {
	s, sink, clock := newScheduler()
	ctx := context.Background()

	require.NoError(t, s.HandleNewMessage(ctx, "bob", "alice", "Alice", false))
	require.NoError(t, s.OnUserOnline(ctx, "bob"))

	clock.Advance(10 * time.Minute)
	assert.Empty(t, sink.notices)
	assert.Zero(t, clock.Pending())
}

func TestScheduler_NewBatchAfterDelivery(t *testing.T) {
	s, sink, clock := newScheduler()
	ctx := context.Background()

	require.NoError(t, s.HandleNewMessage(ctx, "bob", "alice", "Alice", false))
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.HandleNewMessage(ctx, "bob", "alice", "Alice", false))
	clock.Advance(5 * time.Minute)

	require.Len(t, sink.notices, 2)
	assert.Equal(t, 1, sink.notices[1].Count)
}

func TestScheduler_OnlineForUnknownUser(t *testing.T) {
	s, _, _ := newScheduler()
	assert.NoError(t, s.OnUserOnline(context.Background(), "nobody"))
}
