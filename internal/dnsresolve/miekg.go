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

package dnsresolve

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// MiekgResolver is the default Resolver. MX and TXT lookups go through
// github.com/miekg/dns directly against the servers listed in the system
// resolv.conf (or Servers, if set) because the scheduler needs the raw
// response code to tell NXDOMAIN apart from a timeout -- something Go's
// net.Resolver buries inside an opaque *net.DNSError. A/AAAA and PTR
// lookups, which don't need that distinction, go through the stdlib
// net.Resolver held in SystemResolver, so tests can substitute a fake zone
// with github.com/foxcpp/go-mockdns's net.Resolver patching instead of
// standing up a fake miekg/dns server.
//
// A per-resolver mutex serializes access through the shared dns.Client the
// way the original scheduler serializes all resolver calls behind one
// global lock, trading lookup concurrency for a single place to reason
// about in-flight query volume.
type MiekgResolver struct {
	Client  *dns.Client
	Servers []string

	// SystemResolver backs LookupIP/LookupPTR. Defaults to
	// net.DefaultResolver; tests substitute one patched by go-mockdns.
	SystemResolver *net.Resolver

	mu sync.Mutex
}

// NewMiekgResolver builds a resolver that queries servers when any are
// given; otherwise it reads nameservers from /etc/resolv.conf, falling back
// to 8.8.8.8:53 if that cannot be read.
func NewMiekgResolver(servers ...string) (*MiekgResolver, error) {
	r := &MiekgResolver{Client: new(dns.Client), SystemResolver: net.DefaultResolver}
	if len(servers) > 0 {
		r.Servers = servers
		return r, nil
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		r.Servers = []string{"8.8.8.8:53"}
		return r, nil
	}
	for _, s := range cfg.Servers {
		r.Servers = append(r.Servers, net.JoinHostPort(s, cfg.Port))
	}
	return r, nil
}

func (r *MiekgResolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := r.Client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (r *MiekgResolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	ascii, err := toASCII(domain)
	if err != nil {
		return nil, &NotFoundError{Domain: domain}
	}
	domain = ascii

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		exists, existsErr := r.Exists(ctx, domain)
		if existsErr == nil && exists {
			return []MXRecord{{Host: domain, Pref: 0}}, nil
		}
		return nil, &NotFoundError{Domain: domain}
	}

	var records []MXRecord
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		records = append(records, MXRecord{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
	}

	if len(records) == 0 {
		// No MX records in the answer: the domain is its own implicit
		// MX per RFC 5321 5.1. No A/AAAA lookup is made here.
		return []MXRecord{{Host: domain, Pref: 0}}, nil
	}

	sortMX(records)
	return records, nil
}

// sortMX orders MX records by ascending preference, leaving same-preference
// records in their original (answer-section) order.
func sortMX(records []MXRecord) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
}

func (r *MiekgResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := r.SystemResolver.LookupIPAddr(ctx, host)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, &NotFoundError{Domain: host}
		}
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

func (r *MiekgResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	if ascii, err := toASCII(domain); err == nil {
		domain = ascii
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

func (r *MiekgResolver) LookupPTR(ctx context.Context, addr net.IP) ([]string, error) {
	names, err := r.SystemResolver.LookupAddr(ctx, addr.String())
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return nil, &NotFoundError{Domain: addr.String()}
		}
		return nil, err
	}
	for i, n := range names {
		names[i] = strings.TrimSuffix(n, ".")
	}
	return names, nil
}

func (r *MiekgResolver) Exists(ctx context.Context, domain string) (bool, error) {
	if ips, err := r.LookupIP(ctx, domain); err == nil && len(ips) > 0 {
		return true, nil
	}
	if ascii, err := toASCII(domain); err == nil {
		domain = ascii
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return false, err
	}
	return resp.Rcode != dns.RcodeNameError, nil
}
