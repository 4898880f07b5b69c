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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/mtaqueue/mtaqueued/internal/dnsresolve"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/metrics"
	"github.com/mtaqueue/mtaqueued/internal/smtpwire"
	"github.com/mtaqueue/mtaqueued/internal/spool"
	"github.com/mtaqueue/mtaqueued/internal/xerrors"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

const smtpPort = "25"

// Dispatcher owns one outbound SMTP connection's entire lifecycle:
// resolve addresses, claim a message, connect, negotiate EHLO/STARTTLS,
// and send successive messages over the connection until it idles out or
// fails.
type Dispatcher struct {
	site     *DestinationSite
	resolver dnsresolve.Resolver
	requeue  Requeuer
	sp       spool.Spool
	heloName string
	log      xlog.Logger

	// current is the message this dispatcher currently owns outside the
	// ready buffer (claimed but not yet durably disposed of). Restored
	// to the queue by dropIfOwned on any exit path, satisfying the
	// exactly-one-owner invariant.
	current *message.Message
}

// StdDialer is the production Dialer: it runs RunDispatcher.
type StdDialer struct{}

func (StdDialer) Run(ctx context.Context, d *Dispatcher) {
	RunDispatcher(ctx, d)
}

// RunDispatcher drives one dispatcher's state machine to completion:
// Starting -> Connecting -> Connected -> Delivering -> ... -> Idle ->
// Closed. It never panics out to the caller; a recovered panic is treated
// as a transient failure for whatever message the dispatcher currently
// owns.
func RunDispatcher(ctx context.Context, d *Dispatcher) {
	defer d.dropIfOwned()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher panic recovered", xerrors.RecoveredPanic(r))
		}
	}()

	addrs, err := d.resolveAddresses(ctx)
	if err != nil {
		d.log.Error("address resolution failed", err)
		return
	}

	// Try to claim one message before opening any connection; if the
	// ring is already empty, another dispatcher won the race and this
	// one has nothing to do.
	d.current = d.site.ring.pop()
	if d.current == nil {
		return
	}

	var client smtpwire.Client
	var gaugeHeld bool
	defer func() {
		if client != nil {
			client.Close()
		}
		if gaugeHeld {
			metrics.ConnectionCount.WithLabelValues(metrics.ConnectionService(d.site.Key)).Dec()
		}
	}()

	for {
		if d.current == nil {
			d.current = d.waitForMessage(ctx)
			if d.current == nil {
				return
			}
		}

		if client == nil {
			client, gaugeHeld, err = d.attemptConnection(ctx, &addrs)
			if err != nil {
				d.log.Error("unable to connect to any address", err)
				d.requeue.RequeueMessage(ctx, d.current, true)
				d.current = nil
				return
			}
		}

		if !d.deliverMessage(ctx, client) {
			client.Close()
			client = nil
			if gaugeHeld {
				metrics.ConnectionCount.WithLabelValues(metrics.ConnectionService(d.site.Key)).Dec()
				gaugeHeld = false
			}
		}
	}
}

// resolvedAddress is one MX host's resolved IP plus the host it came from,
// needed to set the TLS ServerName correctly.
type resolvedAddress struct {
	host string
	ip   net.IP
}

// resolveAddresses resolves every MX host in the site to its addresses and
// reverses the combined list so repeated calls to pop-from-end yield hosts
// in original preference order.
func (d *Dispatcher) resolveAddresses(ctx context.Context) ([]resolvedAddress, error) {
	var addrs []resolvedAddress
	for _, host := range d.site.MX {
		ips, err := d.resolver.LookupIP(ctx, host)
		if err != nil {
			d.log.Error("mx host lookup failed", err, "host", host)
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, resolvedAddress{host: host, ip: ip})
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("deliverysite: no usable addresses for site %s", d.site.Key)
	}
	for i, j := 0, len(addrs)-1; i < j; i, j = i+1, j-1 {
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	return addrs, nil
}

// waitForMessage claims the next ready message, blocking on the site's
// notifier for up to IdleTimeout if the ring is momentarily empty. A
// timeout (no message ever arrives) ends the dispatcher's life.
func (d *Dispatcher) waitForMessage(ctx context.Context) *message.Message {
	for {
		if m := d.site.ring.pop(); m != nil {
			return m
		}
		if err := d.site.notifier.wait(ctx, d.site.cfg.IdleTimeout); err != nil {
			return nil
		}
	}
}

// dialFunc is a package-level indirection over smtpwire.Dial, following the
// nowFunc/jitterFunc pattern elsewhere in this tree, so tests can substitute
// a fake client without opening a real TCP connection.
var dialFunc = smtpwire.Dial

// attemptConnection pops addresses off the end of *addrs (preferred-first,
// since resolveAddresses already reversed the list) until one connects and
// satisfies the site's TLS policy, or none remain.
func (d *Dispatcher) attemptConnection(ctx context.Context, addrs *[]resolvedAddress) (smtpwire.Client, bool, error) {
	var lastErr error
	for len(*addrs) > 0 {
		n := len(*addrs) - 1
		addr := (*addrs)[n]
		*addrs = (*addrs)[:n]

		metrics.ConnectionCount.WithLabelValues(metrics.ConnectionService(d.site.Key)).Inc()

		target := net.JoinHostPort(addr.ip.String(), smtpPort)
		client, err := dialFunc(ctx, target, d.heloName, d.site.cfg.ConnectTimeout)
		if err != nil {
			metrics.ConnectionCount.WithLabelValues(metrics.ConnectionService(d.site.Key)).Dec()
			lastErr = err
			d.log.Error("connect failed, trying next address", err, "addr", target)
			continue
		}

		if err := d.negotiateTLS(client, addr.host); err != nil {
			client.Close()
			metrics.ConnectionCount.WithLabelValues(metrics.ConnectionService(d.site.Key)).Dec()
			lastErr = err
			d.log.Error("tls negotiation failed, trying next address", err, "addr", target)
			continue
		}

		return client, true, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("deliverysite: exhausted all addresses for site %s", d.site.Key)
	}
	return nil, false, lastErr
}

// negotiateTLS applies the site's TLS policy: TlsDisabled skips STARTTLS;
// if the server does not advertise STARTTLS, a required policy fails and any
// other proceeds in plaintext; otherwise it runs STARTTLS, verifying the
// certificate unless the policy is one of the *Insecure ones.
func (d *Dispatcher) negotiateTLS(client smtpwire.Client, serverName string) error {
	policy := d.site.cfg.EnableTLS
	if policy == TlsDisabled {
		return nil
	}

	advertised := client.StartTLSSupported()
	if !advertised {
		if policy.required() {
			return fmt.Errorf("deliverysite: TLS required but STARTTLS not advertised by %s", serverName)
		}
		return nil
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: policy.allowInsecure(),
	}
	return client.StartTLS(cfg)
}

// deliverMessage loads the current message's header/body, sends it, and
// classifies the outcome. It returns true if the connection remains usable
// for another message, false if it must be closed and a new one opened
// (the caller will pop the next address on the next loop iteration).
func (d *Dispatcher) deliverMessage(ctx context.Context, client smtpwire.Client) bool {
	m := d.current
	logger := xlog.DeliveryLogger(d.log, m.ID)

	hdr, body, err := d.sp.LoadBody(ctx, m.ID)
	if err != nil {
		logger.Error("spool load failed, re-delaying", err)
		d.requeue.RequeueMessage(ctx, m, false)
		d.current = nil
		return true
	}

	err = client.Deliver(ctx, m.Sender, m.Recipient, hdr, bytes.NewReader(body))
	switch e := err.(type) {
	case nil:
		if rmErr := d.sp.Remove(ctx, m.ID); rmErr != nil {
			logger.Error("spool remove after successful delivery failed", rmErr)
		}
		logger.Msg("delivery succeeded")
		d.current = nil
		return true

	case *xerrors.SMTPError:
		if xerrors.Classify(e) == xerrors.Transient {
			logger.Msg("transient rejection, requeuing", "code", e.Code)
			d.requeue.RequeueMessage(ctx, m, true)
			d.current = nil
			return true
		}
		if rmErr := d.sp.Remove(ctx, m.ID); rmErr != nil {
			logger.Error("spool remove after permanent failure failed", rmErr)
		}
		logger.Msg("permanent failure", "code", e.Code, "reason", e.Message)
		d.current = nil
		return true

	default:
		// A connection-level I/O error is an attempt just as much as a
		// transient SMTP rejection is: requeue with the attempt count
		// bumped, and signal the caller to close this connection and
		// try the next address.
		logger.Error("connection-level delivery error", err)
		d.requeue.RequeueMessage(ctx, m, true)
		d.current = nil
		return false
	}
}

// dropIfOwned restores the exactly-one-owner invariant whenever the
// dispatcher exits while still holding a message: it re-queues the message
// without incrementing its attempt count, in the background so shutdown of
// this dispatcher is never blocked on it.
func (d *Dispatcher) dropIfOwned() {
	if d.current == nil {
		return
	}
	m := d.current
	d.current = nil
	go d.requeue.RequeueMessage(context.Background(), m, false)
}
