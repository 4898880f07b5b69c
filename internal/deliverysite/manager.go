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

package deliverysite

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mtaqueue/mtaqueued/internal/dnsresolve"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/metrics"
	"github.com/mtaqueue/mtaqueued/internal/spool"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

const siteIdleCheckInterval = 60 * time.Second

// Manager resolves recipient domains to a DestinationSite, creating one on
// first demand and reaping it once it has been idle long enough.
type Manager struct {
	mu    sync.Mutex
	sites map[string]*DestinationSite

	resolver dnsresolve.Resolver
	cfg      ConfigSource
	requeue  Requeuer
	dial     Dialer
	sp       spool.Spool
	log      xlog.Logger

	// HeloName is the hostname this process announces in EHLO. Exported
	// so the policy/config layer can set it after construction; read at
	// each new site's creation time, so changing it takes effect for
	// sites resolved afterward.
	HeloName string

	directivesMu sync.Mutex
	suspended    map[string]time.Time // domain -> suspend-until
	bounced      map[string]bounceDirective
}

type bounceDirective struct {
	until  time.Time
	reason string
}

// NewManager returns a Manager with no sites yet resolved. dial is the
// dispatcher loop to run for every spawned worker; production callers pass
// StdDialer{}, tests substitute a fake.
func NewManager(resolver dnsresolve.Resolver, cfg ConfigSource, requeue Requeuer, dial Dialer, sp spool.Spool, logger xlog.Logger) *Manager {
	return &Manager{
		sites:     make(map[string]*DestinationSite),
		resolver:  resolver,
		cfg:       cfg,
		requeue:   requeue,
		dial:      dial,
		sp:        sp,
		log:       logger,
		suspended: make(map[string]time.Time),
		bounced:   make(map[string]bounceDirective),
		HeloName:  "localhost",
	}
}

// SetRequeuer assigns the Requeuer used by sites resolved from this point
// on. It exists because Manager and deliveryqueue.Manager each need a
// reference to the other (ReadyInserter / Requeuer), so a daemon's startup
// code constructs one with a nil Requeuer, builds the queue manager, then
// calls this to complete the cycle.
func (mgr *Manager) SetRequeuer(r Requeuer) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.requeue = r
}

// ResolveDomain performs the MX lookup, sorts exchanges by preference,
// factors the resulting host list into a site key, and returns the site
// for that key, creating and registering it on first demand.
func (mgr *Manager) ResolveDomain(ctx context.Context, domain string) (*DestinationSite, error) {
	records, err := mgr.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("deliverysite: resolve %q: %w", domain, err)
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	hosts := make([]string, len(records))
	for i, r := range records {
		hosts[i] = r.Host
	}

	key := factorNames(hosts)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if s, ok := mgr.sites[key]; ok {
		return s, nil
	}

	cfg, err := mgr.cfg.GetSiteConfig(domain, key)
	if err != nil {
		return nil, fmt.Errorf("deliverysite: site config for %q: %w", domain, err)
	}

	s := newDestinationSite(key, hosts, cfg, mgr.resolver, mgr.requeue, mgr.dial, mgr.sp, mgr.log)
	s.heloName = mgr.HeloName
	mgr.sites[key] = s

	mgr.directivesMu.Lock()
	until, suspended := mgr.suspended[domain]
	mgr.directivesMu.Unlock()
	if suspended && nowFunc().Before(until) {
		s.suspend(until)
	}

	go mgr.idleCheckLoop(ctx, key)

	return s, nil
}

// InsertReady implements deliveryqueue.ReadyInserter: it resolves m's
// destination domain to a site and hands it to the ready buffer, applying
// any active suspend/bounce directive first.
func (mgr *Manager) InsertReady(ctx context.Context, m *message.Message) error {
	mgr.directivesMu.Lock()
	if until, ok := mgr.bounced[m.Domain]; ok && nowFunc().Before(until.until) {
		mgr.directivesMu.Unlock()
		return &BouncedError{Reason: until.reason}
	}
	mgr.directivesMu.Unlock()

	site, err := mgr.ResolveDomain(ctx, m.Domain)
	if err != nil {
		return err
	}
	return site.Insert(ctx, m)
}

// BouncedError marks a message purged by an active bounce directive;
// treated by the caller as a permanent failure, not a retry.
type BouncedError struct {
	Reason string
}

func (e *BouncedError) Error() string { return "deliverysite: bounced: " + e.Reason }

// Suspend installs a suspend directive for domain until the given deadline,
// draining any messages already sitting ready for matching sites back to
// the caller for re-delay with jitter.
func (mgr *Manager) Suspend(ctx context.Context, domain string, until time.Time) []*message.Message {
	mgr.directivesMu.Lock()
	mgr.suspended[domain] = until
	mgr.directivesMu.Unlock()

	records, err := mgr.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil
	}
	hosts := make([]string, len(records))
	for i, r := range records {
		hosts[i] = r.Host
	}
	key := factorNames(hosts)

	mgr.mu.Lock()
	site, ok := mgr.sites[key]
	mgr.mu.Unlock()
	if !ok {
		return nil
	}
	return site.suspend(until)
}

// Bounce installs a bounce directive for domain until the given deadline, so
// InsertReady rejects matching messages for its duration, and drains any
// message already sitting in domain's resolved site ready buffer, returning
// it for the caller to purge -- an insert that took the Ready fast path
// moments before the directive was issued would otherwise sail straight
// past it.
func (mgr *Manager) Bounce(ctx context.Context, domain, reason string, until time.Time) []*message.Message {
	mgr.directivesMu.Lock()
	mgr.bounced[domain] = bounceDirective{until: until, reason: reason}
	mgr.directivesMu.Unlock()

	records, err := mgr.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil
	}
	hosts := make([]string, len(records))
	for i, r := range records {
		hosts[i] = r.Host
	}
	key := factorNames(hosts)

	mgr.mu.Lock()
	site, ok := mgr.sites[key]
	mgr.mu.Unlock()
	if !ok {
		return nil
	}
	return site.bounceDrain()
}

func (mgr *Manager) idleCheckLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(siteIdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mgr.mu.Lock()
		s, ok := mgr.sites[key]
		if !ok {
			mgr.mu.Unlock()
			return
		}
		if s.reapable() {
			delete(mgr.sites, key)
			metrics.ReadyCount.DeleteLabelValues(key)
			metrics.ConnectionCount.DeleteLabelValues(metrics.ConnectionService(key))
			mgr.mu.Unlock()
			return
		}
		mgr.mu.Unlock()
	}
}
