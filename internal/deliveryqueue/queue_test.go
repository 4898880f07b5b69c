/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package deliveryqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/require"

	"github.com/mtaqueue/mtaqueued/framework/log"
	"github.com/mtaqueue/mtaqueued/internal/message"
)

// fakeSpool is a minimal in-memory spool.Spool stand-in shared by every
// deliveryqueue test that needs to observe Remove/SaveMeta calls.
type fakeSpool struct {
	mu       sync.Mutex
	byID     map[string]*message.Message
	removed  []string
	metaSave int
}

func newFakeSpool() *fakeSpool { return &fakeSpool{byID: make(map[string]*message.Message)} }

func (s *fakeSpool) NewID() string { return "fake-id" }

func (s *fakeSpool) Save(_ context.Context, m *message.Message, _ textproto.Header, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m
	return nil
}

func (s *fakeSpool) SaveMeta(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	s.metaSave++
	s.mu.Unlock()
	return s.Save(context.Background(), m, textproto.Header{}, nil)
}

func (s *fakeSpool) Load(_ context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id], nil
}

func (s *fakeSpool) LoadBody(_ context.Context, _ string) (textproto.Header, []byte, error) {
	return textproto.Header{}, nil, nil
}

func (s *fakeSpool) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeSpool) List(_ context.Context) ([]*message.Message, error) { return nil, nil }

func (s *fakeSpool) removedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.removed))
	copy(out, s.removed)
	return out
}

// fakeReadyInserter records every message handed off by a queue's
// maintainer, optionally failing on command so requeueMessage's
// never-reached-network path can be exercised.
type fakeReadyInserter struct {
	mu      sync.Mutex
	failing bool
	inserts []*message.Message
}

func (f *fakeReadyInserter) InsertReady(_ context.Context, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errSiteUnavailable
	}
	f.inserts = append(f.inserts, m)
	return nil
}

func (f *fakeReadyInserter) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

var errSiteUnavailable = errors.New("fake: site unavailable")

func testLogger() log.Logger {
	return log.Logger{Out: log.NopOutput{}, Name: "test"}
}

func newTestQueue(t *testing.T, cfg QueueConfig, sites ReadyInserter) (*Queue, *fakeSpool) {
	t.Helper()
	sp := newFakeSpool()
	q := newQueue("test-queue", cfg, sp, sites, testLogger())
	return q, sp
}

func TestQueueInsertFutureDueLandsInHeap(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, &fakeReadyInserter{})
	q.insert(context.Background(), nowFunc().Add(time.Minute), &message.Message{ID: "1"})
	require.Equal(t, 1, q.heap.len())
}

func TestForceIntoDelayedAlwaysLandsInFuture(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, &fakeReadyInserter{})

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	restoreNow := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = restoreNow }()

	restoreJitter := jitterFunc
	// A negative jitter draw large enough to land before fixed would loop
	// forever with a constant draw; alternate so the second attempt lands
	// in the future.
	calls := 0
	jitterFunc = func() float64 {
		calls++
		if calls == 1 {
			return -1 // full negative window: due == base - 30s, not after fixed
		}
		return 1 // full positive window: due == base + 30s, after fixed
	}
	defer func() { jitterFunc = restoreJitter }()

	q.forceIntoDelayed(context.Background(), fixed, &message.Message{ID: "1"})
	require.Equal(t, 1, q.heap.len())
	require.GreaterOrEqual(t, calls, 2)
}

func TestQueueInsertDueNowTakesReadyFastPath(t *testing.T) {
	sites := &fakeReadyInserter{}
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, sites)

	q.insert(context.Background(), nowFunc(), &message.Message{ID: "1"})

	require.Equal(t, 1, sites.insertCount(), "a due-now message must go straight to the site, not the heap")
	require.Equal(t, 0, q.heap.len())
}

func TestQueueInsertFallsBackToDelayedOnReadyInsertError(t *testing.T) {
	sites := &fakeReadyInserter{failing: true}
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, sites)

	q.insert(context.Background(), nowFunc(), &message.Message{ID: "1"})

	require.Equal(t, 0, sites.insertCount())
	require.Equal(t, 1, q.heap.len(), "a failed Ready attempt must fall back to a jittered delayed re-insertion")
}

func TestRequeueMessageWithoutIncrementRedelaysFlat(t *testing.T) {
	q, sp := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, &fakeReadyInserter{})

	m := &message.Message{ID: "1", ArrivedAt: nowFunc(), NumAttempts: 3}
	kept := q.requeueMessage(context.Background(), m, false)

	require.True(t, kept)
	require.Equal(t, 3, m.NumAttempts, "attempt count must not change on a non-delivery requeue")
	require.Equal(t, 1, q.heap.len())
	require.Empty(t, sp.removedIDs())
}

func TestRequeueMessageWithIncrementBumpsAttemptsAndPersists(t *testing.T) {
	q, sp := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, &fakeReadyInserter{})

	m := &message.Message{ID: "1", ArrivedAt: nowFunc(), NumAttempts: 0}
	kept := q.requeueMessage(context.Background(), m, true)

	require.True(t, kept)
	require.Equal(t, 1, m.NumAttempts)
	require.Equal(t, 1, q.heap.len())
	require.Equal(t, 1, sp.metaSave)
}

func TestRequeueMessageExpiresPastMaxAge(t *testing.T) {
	q, sp := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Second}, &fakeReadyInserter{})

	m := &message.Message{ID: "1", ArrivedAt: nowFunc().Add(-time.Hour), NumAttempts: 10}
	kept := q.requeueMessage(context.Background(), m, true)

	require.False(t, kept)
	require.Equal(t, 0, q.heap.len())
	require.Equal(t, []string{"1"}, sp.removedIDs())
}

func withFastMaintain(t *testing.T) {
	t.Helper()
	restore := maintainInterval
	maintainInterval = 5 * time.Millisecond
	t.Cleanup(func() { maintainInterval = restore })
}

func TestMaintainHandsDueMessageToSite(t *testing.T) {
	withFastMaintain(t)
	sites := &fakeReadyInserter{}
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, sites)

	// Seed the heap directly, bypassing insert's own Ready fast path, so
	// this exercises the maintainer's due-item poll specifically.
	q.heap.insert(nowFunc().Add(-time.Second), &message.Message{ID: "1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.maintain(ctx, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return sites.insertCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	q.Close()
	<-done
}

func TestMaintainRequeuesOnSiteInsertFailure(t *testing.T) {
	withFastMaintain(t)
	sites := &fakeReadyInserter{failing: true}
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, sites)

	// Seed the heap directly, bypassing insert's own Ready fast path, so
	// this exercises the maintainer's requeue-on-failure path specifically.
	q.heap.insert(nowFunc().Add(-time.Second), &message.Message{ID: "1", ArrivedAt: nowFunc()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.maintain(ctx, nil)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.heap.len() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, sites.insertCount())
	cancel()
	q.Close()
	<-done
}

func TestQueueCloseStopsMaintainer(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}, &fakeReadyInserter{})

	ctx := context.Background()
	go q.maintain(ctx, nil)
	q.Close()

	select {
	case <-q.stopped:
	case <-time.After(time.Second):
		t.Fatal("maintain did not stop after Close")
	}
}
