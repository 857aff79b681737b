package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shardstore/shardstore/internal/blockstore"
)

type queueSource struct {
	mu    sync.Mutex
	items []Candidate
}

func (s *queueSource) Next(n int) ([]Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	if n > len(s.items) {
		n = len(s.items)
	}
	out := s.items[:n]
	s.items = s.items[n:]
	return out, true
}

type fakeWriter struct {
	mu         sync.Mutex
	writes     []blockstore.Oid
	syncs      []uint64
}

func (w *fakeWriter) Write(ctx context.Context, pgNum uint64, oid blockstore.Oid, offset uint32, buf []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, oid)
	return 1, nil
}

func (w *fakeWriter) Sync(ctx context.Context, pgNum uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncs = append(w.syncs, pgNum)
	return nil
}

func TestLoopDrainsAllCandidates(t *testing.T) {
	src := &queueSource{items: []Candidate{
		{PG: 1, Oid: blockstore.Oid{Inode: 1}, Degraded: true},
		{PG: 1, Oid: blockstore.Oid{Inode: 2}, Degraded: true},
		{PG: 2, Oid: blockstore.Oid{Inode: 3}, Misplaced: true},
	}}
	w := &fakeWriter{}
	loop := NewLoop(src, w, 2, 16, nil)

	require.NoError(t, loop.Run(context.Background()))
	require.Len(t, w.writes, 3)
}

func TestLoopAutosyncsEverySyncBatchCompletions(t *testing.T) {
	var candidates []Candidate
	for i := 0; i < 5; i++ {
		candidates = append(candidates, Candidate{PG: 7, Oid: blockstore.Oid{Inode: uint64(i)}, Degraded: true})
	}
	src := &queueSource{items: candidates}
	w := &fakeWriter{}
	loop := NewLoop(src, w, 4, 2, nil)

	require.NoError(t, loop.Run(context.Background()))
	require.Len(t, w.writes, 5)
	require.NotEmpty(t, w.syncs)
	for _, pg := range w.syncs {
		require.Equal(t, uint64(7), pg)
	}
}

func TestLoopReturnsWhenSourceExhausted(t *testing.T) {
	src := &queueSource{}
	w := &fakeWriter{}
	loop := NewLoop(src, w, 4, 16, nil)

	require.NoError(t, loop.Run(context.Background()))
	require.Empty(t, w.writes)
}

func TestRunForeverBacksOffOnMockClockBetweenIdleDrains(t *testing.T) {
	src := &queueSource{items: []Candidate{{PG: 1, Oid: blockstore.Oid{Inode: 1}, Degraded: true}}}
	w := &fakeWriter{}
	loop := NewLoop(src, w, 4, 16, nil)
	mock := clock.NewMock()
	loop.SetClock(mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.RunForever(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.writes) == 1
	}, time.Second, time.Millisecond)

	src.mu.Lock()
	src.items = []Candidate{{PG: 1, Oid: blockstore.Oid{Inode: 2}, Degraded: true}}
	src.mu.Unlock()

	// RunForever is now blocked on the idle-backoff timer; advancing the
	// mock clock past it, rather than sleeping in real time, is the point
	// of routing this timer through an injected clock.Clock.
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.writes) == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
