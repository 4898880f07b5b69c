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

// Package dnsresolve exposes the DNS lookups a destination site needs --
// MX for routing, A/AAAA for connecting to the chosen hosts -- with a
// distinguishable "domain genuinely doesn't exist" outcome from an ordinary
// temporary resolver failure, distinguishing NXDOMAIN from a timeout.
package dnsresolve

import (
	"context"
	"net"
)

// MXRecord is one line of a domain's MX records.
type MXRecord struct {
	Host string
	Pref uint16
}

// Resolver is the DNS surface a destination site needs. All methods
// classify errors so callers can tell a temporary lookup failure (retry
// later) from an authoritative "nothing here" (NXDOMAIN, no MX).
type Resolver interface {
	// LookupMX returns domain's MX records sorted by preference. If
	// domain has no MX records, it returns a single synthetic record
	// pointing at domain itself per RFC 5321 5.1 -- implicit MX.
	LookupMX(ctx context.Context, domain string) ([]MXRecord, error)

	// LookupIP resolves host to its IPv4/IPv6 addresses.
	LookupIP(ctx context.Context, host string) ([]net.IP, error)

	// LookupTXT is exposed for policy callbacks that need SPF/DMARC
	// record text, not used directly by the scheduling core.
	LookupTXT(ctx context.Context, domain string) ([]string, error)

	// LookupPTR reverse-resolves addr, used for diagnostic logging of
	// remote connections and optional policy checks.
	LookupPTR(ctx context.Context, addr net.IP) ([]string, error)

	// Exists reports whether domain resolves to anything at all (MX, A,
	// or AAAA), distinguishing "domain really doesn't exist" (false, nil
	// error) from a lookup failure (false, non-nil error).
	Exists(ctx context.Context, domain string) (bool, error)
}

// NotFoundError marks an authoritative negative DNS answer (NXDOMAIN),
// as opposed to a transient resolver error.
type NotFoundError struct {
	Domain string
}

func (e *NotFoundError) Error() string {
	return "dnsresolve: " + e.Domain + " does not exist"
}

func (e *NotFoundError) Temporary() bool { return false }
