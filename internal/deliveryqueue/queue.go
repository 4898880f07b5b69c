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

// Package deliveryqueue implements the per-(campaign,tenant,domain) logical
// queue: a time-ordered heap of messages not yet due, a maintainer
// goroutine that pops due items into the corresponding destination site's
// ready buffer, and the backoff math that decides when a failed message
// comes due again.
package deliveryqueue

import (
	"context"
	"sync"
	"time"

	"github.com/mtaqueue/mtaqueued/framework/log"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/metrics"
	"github.com/mtaqueue/mtaqueued/internal/spool"
)

// ConfigSource resolves a queue's retry policy by name, the Go-native
// replacement for a Lua callback host.
type ConfigSource interface {
	GetQueueConfig(name string) (QueueConfig, error)
}

// ReadyInserter is implemented by whatever owns a message's destination
// site; Queue hands due messages off to it without knowing how sites are
// resolved or scheduled.
type ReadyInserter interface {
	InsertReady(ctx context.Context, m *message.Message) error
}

// nowFunc and maintainInterval are package-level so tests can control time
// without sleeping.
var (
	nowFunc          = time.Now
	maintainInterval = 60 * time.Second
)

const idleReapAfter = 10 * time.Minute

// Queue holds every not-yet-due message for one logical destination
// (campaign+tenant+domain, or however the policy host names it), ordered by
// due time, and periodically pushes due messages onward to the site that
// will actually dispatch them.
type Queue struct {
	name   string
	mu     sync.Mutex
	heap   *timeQueue
	config QueueConfig

	lastChange time.Time
	stop       chan struct{}
	stopped    chan struct{}

	log   log.Logger
	spool spool.Spool
	sites ReadyInserter
}

func newQueue(name string, cfg QueueConfig, sp spool.Spool, sites ReadyInserter, logger log.Logger) *Queue {
	q := &Queue{
		name:       name,
		heap:       newTimeQueue(),
		config:     cfg,
		lastChange: nowFunc(),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        logger,
		spool:      sp,
		sites:      sites,
	}
	return q
}

// insert adds m to the queue. A due time that has already arrived takes
// the Ready fast path straight to the site's ready buffer; only a
// site-full or site-resolve error falls back to a delayed re-insertion
// about 60s out, jittered. A due time still in the future always goes through the
// heap, left for the maintainer loop to hand off once it comes due.
func (q *Queue) insert(ctx context.Context, due time.Time, m *message.Message) {
	if !due.After(nowFunc()) {
		if err := q.sites.InsertReady(ctx, m); err != nil {
			q.log.Error("ready insert failed, delaying", err, "msg_id", m.ID, "queue", q.name)
			q.forceIntoDelayed(ctx, nowFunc().Add(60*time.Second), m)
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap.insert(due, m)
	q.lastChange = nowFunc()
	metrics.DelayedCount.WithLabelValues(q.name).Inc()
}

// forceIntoDelayed re-inserts m with jitter applied to base, retrying with
// fresh jitter if the computed time is not actually in the future -- a
// degenerate case guard for when jitter draws a value that lands due before
// now. Always lands in the heap: callers use this only as the failure
// fallback after a Ready attempt didn't pan out.
func (q *Queue) forceIntoDelayed(ctx context.Context, base time.Time, m *message.Message) {
	for {
		due := base.Add(jitter())
		if due.After(nowFunc()) {
			q.insert(ctx, due, m)
			return
		}
	}
}

// requeueMessage decides a message's fate after a failed delivery attempt.
// When incrementAttempts is true (a real delivery attempt failed), the
// attempt count is bumped, a backoff delay computed from the new attempt
// count, and the message expired once the summed backoff schedule for that
// attempt count reaches MaxAge (see computeDelayBasedOnAge); the message's
// own age is not compared against MaxAge.
// Otherwise (e.g. a transient resolver/spool error at the site level that
// never reached the network) the message is re-delayed by a flat ~60s
// jittered window without touching its attempt count.
//
// Returns true if the message was kept (re-delayed), false if it expired
// and was removed from the spool.
func (q *Queue) requeueMessage(ctx context.Context, m *message.Message, incrementAttempts bool) bool {
	if !incrementAttempts {
		q.forceIntoDelayed(ctx, nowFunc().Add(60*time.Second), m)
		return true
	}

	m.NumAttempts++
	age := m.Age(nowFunc())
	delay, expired := q.config.computeDelayBasedOnAge(m.NumAttempts, age)
	if expired {
		q.log.Msg("message expired", "msg_id", m.ID, "queue", q.name, "age", age)
		if err := q.spool.Remove(ctx, m.ID); err != nil {
			q.log.Error("failed to remove expired message from spool", err, "msg_id", m.ID)
		}
		return false
	}

	if err := q.spool.SaveMeta(ctx, m); err != nil {
		q.log.Error("failed to persist attempt count", err, "msg_id", m.ID)
	}
	q.forceIntoDelayed(ctx, nowFunc().Add(delay), m)
	return true
}

// maintain runs until stopped, waking up whenever the earliest delayed
// message becomes due (or at most every maintainInterval as a fixed
// polling backstop) and handing due messages to the site ready buffer.
func (q *Queue) maintain(ctx context.Context, onIdle func()) {
	defer close(q.stopped)
	// Fire immediately so a queue created with an already-due message
	// doesn't wait a full maintainInterval for its first look at the heap.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-timer.C:
		}

		q.mu.Lock()
		outcome, items, wait := q.heap.pop(nowFunc())
		if outcome == popItems {
			q.lastChange = nowFunc()
		}
		idle := outcome == popEmpty && nowFunc().Sub(q.lastChange) > idleReapAfter
		q.mu.Unlock()

		switch outcome {
		case popItems:
			metrics.DelayedCount.WithLabelValues(q.name).Sub(float64(len(items)))
			for _, raw := range items {
				m := raw.(*message.Message)
				if err := q.sites.InsertReady(ctx, m); err != nil {
					q.log.Error("failed to hand message to site", err, "msg_id", m.ID, "queue", q.name)
					q.requeueMessage(ctx, m, false)
				}
			}
			timer.Reset(maintainInterval)
		case popSleep:
			if wait > maintainInterval {
				wait = maintainInterval
			}
			timer.Reset(wait)
		case popEmpty:
			if idle && onIdle != nil {
				onIdle()
				return
			}
			timer.Reset(maintainInterval)
		}
	}
}

// Close stops the maintainer goroutine and waits for it to exit.
func (q *Queue) Close() {
	close(q.stop)
	<-q.stopped
}
