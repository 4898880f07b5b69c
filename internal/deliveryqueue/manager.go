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
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mtaqueue/mtaqueued/framework/log"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/metrics"
	"github.com/mtaqueue/mtaqueued/internal/queuename"
	"github.com/mtaqueue/mtaqueued/internal/spool"
)

// Manager owns every named Queue, creating one on first reference and
// reaping it once it has been idle and empty for long enough.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue

	cfg   ConfigSource
	spool spool.Spool
	sites ReadyInserter
	log   log.Logger

	directivesMu sync.Mutex
	bounceRules  []bounceRule
}

// bounceRule is an active admin bounce directive: for its duration, any
// message newly routed to a matching queue is purged on sight rather than
// inserted.
type bounceRule struct {
	match  queuename.Match
	reason string
	until  time.Time
}

// NewManager returns a Manager with no queues yet created.
func NewManager(cfg ConfigSource, sp spool.Spool, sites ReadyInserter, logger log.Logger) *Manager {
	return &Manager{
		queues: make(map[string]*Queue),
		cfg:    cfg,
		spool:  sp,
		sites:  sites,
		log:    logger,
	}
}

// Resolve returns the named queue, creating and starting its maintainer
// goroutine on first reference.
func (mgr *Manager) Resolve(ctx context.Context, name string) (*Queue, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if q, ok := mgr.queues[name]; ok {
		return q, nil
	}

	cfg, err := mgr.cfg.GetQueueConfig(name)
	if err != nil {
		return nil, fmt.Errorf("deliveryqueue: resolve %q: %w", name, err)
	}

	q := newQueue(name, cfg, mgr.spool, mgr.sites, log.Logger{
		Out:   mgr.log.Out,
		Name:  mgr.log.Name + "/" + name,
		Debug: mgr.log.Debug,
	})
	mgr.queues[name] = q

	go q.maintain(ctx, func() {
		mgr.reap(name)
	})

	return q, nil
}

// reap removes name from the queue table and clears its metric label in
// one critical section, so a concurrent scrape never observes a reaped
// queue's stale gauge value hanging around after the queue itself is gone.
func (mgr *Manager) reap(name string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.queues, name)
	metrics.DelayedCount.DeleteLabelValues(name)
}

// Insert resolves the named queue and schedules m for its first delivery
// attempt. m is due immediately, so it takes the Ready fast path straight
// to the site's ready buffer; only a site-full or site-resolve error falls
// back to a jittered delayed re-insertion.
func (mgr *Manager) Insert(ctx context.Context, queueName string, m *message.Message) error {
	if reason, matched := mgr.matchesActiveBounce(m); matched {
		mgr.log.Msg("message bounced on insert", "msg_id", m.ID, "queue", queueName, "reason", reason)
		if err := mgr.spool.Remove(ctx, m.ID); err != nil {
			mgr.log.Error("failed to remove bounced message", err, "msg_id", m.ID)
		}
		return nil
	}

	q, err := mgr.Resolve(ctx, queueName)
	if err != nil {
		return err
	}
	q.insert(ctx, nowFunc(), m)
	return nil
}

// InstallBounce records an admin bounce directive: until it expires, any
// message routed through Insert to a queue matching match is purged
// instead of being scheduled.
func (mgr *Manager) InstallBounce(match queuename.Match, reason string, until time.Time) {
	mgr.directivesMu.Lock()
	defer mgr.directivesMu.Unlock()
	mgr.bounceRules = append(mgr.bounceRules, bounceRule{match: match, reason: reason, until: until})
}

// matchesActiveBounce reports whether m matches any still-active bounce
// directive, pruning expired ones along the way.
func (mgr *Manager) matchesActiveBounce(m *message.Message) (reason string, matched bool) {
	mgr.directivesMu.Lock()
	defer mgr.directivesMu.Unlock()

	now := nowFunc()
	comp := queuename.Components{Campaign: m.Campaign, Tenant: m.Tenant, Domain: m.Domain}
	live := mgr.bounceRules[:0]
	for _, r := range mgr.bounceRules {
		if now.After(r.until) {
			continue
		}
		live = append(live, r)
		if !matched && comp.Matches(r.match) {
			matched = true
			reason = r.reason
		}
	}
	mgr.bounceRules = live
	return reason, matched
}

// RequeueMessage resolves m's queue by name and requeues it there; the
// dispatcher calls this on every non-success delivery outcome.
func (mgr *Manager) RequeueMessage(ctx context.Context, m *message.Message, incrementAttempts bool) bool {
	q, err := mgr.Resolve(ctx, m.QueueName)
	if err != nil {
		mgr.log.Error("requeue: failed to resolve queue", err, "msg_id", m.ID, "queue", m.QueueName)
		return false
	}
	return q.requeueMessage(ctx, m, incrementAttempts)
}

// Bounce removes every spooled message matching match from every queue,
// recording a permanent-failure log entry for each, implementing the admin
// "Bounce" directive.
func (mgr *Manager) Bounce(ctx context.Context, match func(*message.Message) bool, reason string) int {
	mgr.mu.Lock()
	queues := make([]*Queue, 0, len(mgr.queues))
	for _, q := range mgr.queues {
		queues = append(queues, q)
	}
	mgr.mu.Unlock()

	var count int
	for _, q := range queues {
		q.mu.Lock()
		var kept timeHeap
		for _, item := range q.heap.h {
			m := item.payload.(*message.Message)
			if match(m) {
				count++
				q.log.Msg("message bounced", "msg_id", m.ID, "reason", reason)
				if err := q.spool.Remove(ctx, m.ID); err != nil {
					q.log.Error("failed to remove bounced message", err, "msg_id", m.ID)
				}
				continue
			}
			kept = append(kept, item)
		}
		metrics.DelayedCount.WithLabelValues(q.name).Sub(float64(len(q.heap.h) - len(kept)))
		q.heap.h = kept
		heap.Init(&q.heap.h)
		q.mu.Unlock()
	}
	return count
}

// Rebind moves every spooled message matching match into a new queue,
// chosen by newQueueName, per the admin rebind directive.
func (mgr *Manager) Rebind(ctx context.Context, match func(*message.Message) bool, newQueueName func(*message.Message) string) int {
	mgr.mu.Lock()
	queues := make([]*Queue, 0, len(mgr.queues))
	for _, q := range mgr.queues {
		queues = append(queues, q)
	}
	mgr.mu.Unlock()

	var moved []*message.Message
	for _, q := range queues {
		q.mu.Lock()
		var kept timeHeap
		for _, item := range q.heap.h {
			m := item.payload.(*message.Message)
			if match(m) {
				moved = append(moved, m)
				continue
			}
			kept = append(kept, item)
		}
		metrics.DelayedCount.WithLabelValues(q.name).Sub(float64(len(q.heap.h) - len(kept)))
		q.heap.h = kept
		heap.Init(&q.heap.h)
		q.mu.Unlock()
	}

	for _, m := range moved {
		newName := newQueueName(m)
		m.QueueName = newName
		nq, err := mgr.Resolve(ctx, newName)
		if err != nil {
			mgr.log.Error("rebind: failed to resolve new queue", err, "msg_id", m.ID, "queue", newName)
			continue
		}
		nq.insert(ctx, nowFunc(), m)
	}
	return len(moved)
}
