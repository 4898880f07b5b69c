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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/queuename"
)

// fixedConfigSource hands out the same QueueConfig to every queue name.
type fixedConfigSource struct {
	cfg QueueConfig
}

func (f fixedConfigSource) GetQueueConfig(string) (QueueConfig, error) { return f.cfg, nil }

func newTestManager(t *testing.T, sites ReadyInserter) *Manager {
	t.Helper()
	cfg := fixedConfigSource{cfg: QueueConfig{RetryInterval: 2 * time.Second, MaxAge: time.Hour}}
	return NewManager(cfg, newFakeSpool(), sites, testLogger())
}

func TestManagerResolveCreatesQueueOnce(t *testing.T) {
	mgr := newTestManager(t, &fakeReadyInserter{})

	q1, err := mgr.Resolve(context.Background(), "camp:tenant@example.com")
	require.NoError(t, err)
	q2, err := mgr.Resolve(context.Background(), "camp:tenant@example.com")
	require.NoError(t, err)
	require.Same(t, q1, q2)

	mgr.mu.Lock()
	count := len(mgr.queues)
	mgr.mu.Unlock()
	require.Equal(t, 1, count)

	q1.Close()
}

func TestManagerInsertSchedulesMessage(t *testing.T) {
	sites := &fakeReadyInserter{}
	mgr := newTestManager(t, sites)

	m := &message.Message{ID: "1", Domain: "example.com", ArrivedAt: nowFunc()}
	require.NoError(t, mgr.Insert(context.Background(), "tenant@example.com", m))

	require.Equal(t, 1, sites.insertCount(), "a due-now insert takes the Ready fast path straight to the site")

	q, err := mgr.Resolve(context.Background(), "tenant@example.com")
	require.NoError(t, err)
	require.Equal(t, 0, q.heap.len())
	q.Close()
}

func TestManagerInsertPurgesMessageMatchingActiveBounce(t *testing.T) {
	mgr := newTestManager(t, &fakeReadyInserter{})
	mgr.InstallBounce(queuename.Match{Domain: "example.com"}, "policy violation", nowFunc().Add(time.Hour))

	m := &message.Message{ID: "1", Domain: "example.com", ArrivedAt: nowFunc()}
	require.NoError(t, mgr.Insert(context.Background(), "tenant@example.com", m))

	mgr.mu.Lock()
	_, exists := mgr.queues["tenant@example.com"]
	mgr.mu.Unlock()
	require.False(t, exists, "a bounced message must never create a queue")
}

func TestManagerInsertIgnoresExpiredBounce(t *testing.T) {
	sites := &fakeReadyInserter{}
	mgr := newTestManager(t, sites)
	mgr.InstallBounce(queuename.Match{Domain: "example.com"}, "policy violation", nowFunc().Add(-time.Minute))

	m := &message.Message{ID: "1", Domain: "example.com", Campaign: "camp", Tenant: "tenant", ArrivedAt: nowFunc()}
	require.NoError(t, mgr.Insert(context.Background(), "camp:tenant@example.com", m))

	require.Equal(t, 1, sites.insertCount(), "an expired bounce must not block a due-now insert from its Ready fast path")
}

func TestManagerRequeueMessageResolvesByQueueName(t *testing.T) {
	mgr := newTestManager(t, &fakeReadyInserter{})

	m := &message.Message{ID: "1", QueueName: "tenant@example.com", ArrivedAt: nowFunc(), NumAttempts: 0}
	require.True(t, mgr.RequeueMessage(context.Background(), m, true))
	require.Equal(t, 1, m.NumAttempts)

	q, err := mgr.Resolve(context.Background(), "tenant@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, q.heap.len())
	q.Close()
}

func TestManagerBounceRemovesMatchingMessagesAcrossQueues(t *testing.T) {
	// The site is unreachable, so every Insert below falls back to the
	// heap instead of taking the Ready fast path -- exactly the backlog
	// Bounce's heap scan is meant to reach.
	mgr := newTestManager(t, &fakeReadyInserter{failing: true})

	m1 := &message.Message{ID: "1", Domain: "example.com", Tenant: "a", ArrivedAt: nowFunc()}
	m2 := &message.Message{ID: "2", Domain: "other.com", Tenant: "b", ArrivedAt: nowFunc()}
	require.NoError(t, mgr.Insert(context.Background(), "a@example.com", m1))
	require.NoError(t, mgr.Insert(context.Background(), "b@other.com", m2))

	match := func(m *message.Message) bool { return m.Domain == "example.com" }
	count := mgr.Bounce(context.Background(), match, "policy violation")
	require.Equal(t, 1, count)

	qA, err := mgr.Resolve(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Equal(t, 0, qA.heap.len())

	qB, err := mgr.Resolve(context.Background(), "b@other.com")
	require.NoError(t, err)
	require.Equal(t, 1, qB.heap.len())

	qA.Close()
	qB.Close()
}

func TestManagerRebindMovesMessageToNewQueue(t *testing.T) {
	// The site is unreachable, so Insert below falls back to the heap
	// instead of taking the Ready fast path -- exactly the backlog Rebind
	// is meant to reach.
	mgr := newTestManager(t, &fakeReadyInserter{failing: true})

	m := &message.Message{ID: "1", Domain: "example.com", Tenant: "a", QueueName: "a@example.com", ArrivedAt: nowFunc()}
	require.NoError(t, mgr.Insert(context.Background(), "a@example.com", m))

	match := func(m *message.Message) bool { return m.ID == "1" }
	newName := func(m *message.Message) string { return "b@example.com" }
	count := mgr.Rebind(context.Background(), match, newName)
	require.Equal(t, 1, count)

	oldQ, err := mgr.Resolve(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.Equal(t, 0, oldQ.heap.len())

	newQ, err := mgr.Resolve(context.Background(), "b@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, newQ.heap.len())
	require.Equal(t, "b@example.com", m.QueueName)

	oldQ.Close()
	newQ.Close()
}

func TestManagerReapRemovesQueueFromTable(t *testing.T) {
	mgr := newTestManager(t, &fakeReadyInserter{})

	_, err := mgr.Resolve(context.Background(), "tenant@example.com")
	require.NoError(t, err)

	mgr.reap("tenant@example.com")

	mgr.mu.Lock()
	_, exists := mgr.queues["tenant@example.com"]
	mgr.mu.Unlock()
	require.False(t, exists)
}
