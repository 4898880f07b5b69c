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

// Package adminapi implements the three administrator directives
// (suspend, bounce, rebind) that act imperatively on the delivery core's
// live queues and sites, plus the HTTP surface for driving them.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mtaqueue/mtaqueued/internal/deliveryqueue"
	"github.com/mtaqueue/mtaqueued/internal/deliverysite"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/policy"
	"github.com/mtaqueue/mtaqueued/internal/queuename"
	"github.com/mtaqueue/mtaqueued/internal/spool"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

// DefaultBounceDuration is applied when a bounce directive doesn't specify
// one.
const DefaultBounceDuration = 5 * time.Minute

// ErrNeedEverything is returned by Bounce when match has no field set and
// the caller didn't pass everything=true, guarding against an unscoped
// directive bouncing every queue by accident.
var ErrNeedEverything = errors.New("adminapi: bounce needs a domain/tenant/campaign or --everything")

var (
	errMethodNotAllowed = errors.New("adminapi: method not allowed")
	errDomainRequired   = errors.New("adminapi: domain is required")
)

// nowFunc is package-level so tests can pin directive expiry without
// sleeping.
var nowFunc = time.Now

// Core wires the admin directives to the two live registries they act on.
type Core struct {
	Queues *deliveryqueue.Manager
	Sites  *deliverysite.Manager
	Spool  spool.Spool
	Host   policy.Host
	Log    xlog.Logger
}

func matchFunc(match queuename.Match) func(*message.Message) bool {
	return func(m *message.Message) bool {
		comp := queuename.Components{Campaign: m.Campaign, Tenant: m.Tenant, Domain: m.Domain}
		return comp.Matches(match)
	}
}

// Suspend installs a suspend directive against domain for duration: new
// ready-queue inserts for domain's site are rejected, and anything already
// sitting ready is drained back to its queue with a short jitter.
func (c *Core) Suspend(ctx context.Context, domain, reason string, duration time.Duration) int {
	if duration <= 0 {
		duration = DefaultBounceDuration
	}
	until := nowFunc().Add(duration)
	drained := c.Sites.Suspend(ctx, domain, until)
	for _, m := range drained {
		c.Log.Msg("message drained by suspend", "msg_id", m.ID, "domain", domain, "reason", reason)
		c.Queues.RequeueMessage(ctx, m, false)
	}
	return len(drained)
}

// Bounce purges every message in a matching queue from the spool, logging
// one permanent-failure record each, and installs a directive that purges
// any newly-routed matching message for duration. When match names a
// domain, the matching site's ready buffer is drained and purged the same
// way: a message that already took the Ready fast path out of its queue
// moments before the directive landed is still reachable there, even
// though it no longer sits in any queue's heap.
func (c *Core) Bounce(ctx context.Context, match queuename.Match, reason string, duration time.Duration, everything bool) (int, error) {
	if match.Empty() && !everything {
		return 0, ErrNeedEverything
	}
	if duration <= 0 {
		duration = DefaultBounceDuration
	}
	until := nowFunc().Add(duration)

	count := c.Queues.Bounce(ctx, matchFunc(match), reason)
	c.Queues.InstallBounce(match, reason, until)

	if match.Domain != "" {
		for _, m := range c.Sites.Bounce(ctx, match.Domain, reason, until) {
			c.Log.Msg("message bounced from ready buffer", "msg_id", m.ID, "domain", match.Domain, "reason", reason)
			if err := c.Spool.Remove(ctx, m.ID); err != nil {
				c.Log.Error("failed to remove bounced message", err, "msg_id", m.ID)
			}
			count++
		}
	}
	return count, nil
}

// Rebind invokes the policy host's rebind callback for every matching
// message and re-inserts each one, reaching its new queue if the callback
// changed QueueName.
func (c *Core) Rebind(ctx context.Context, match queuename.Match, data json.RawMessage, triggerEvent bool) int {
	newQueueName := func(m *message.Message) string {
		original := m.QueueName
		if err := c.Host.RebindMessage(m, data); err != nil {
			c.Log.Error("rebind callback failed", err, "msg_id", m.ID)
			return original
		}
		if m.QueueName == "" {
			m.QueueName = original
		}
		if triggerEvent {
			c.Log.Msg("rebind event triggered", "msg_id", m.ID, "from", original, "to", m.QueueName)
		}
		return m.QueueName
	}
	return c.Queues.Rebind(ctx, matchFunc(match), newQueueName)
}
