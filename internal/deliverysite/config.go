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

import "time"

// Tls is the TLS posture a site's dispatcher should take when connecting to
// its MX hosts.
type Tls int

const (
	// TlsOpportunistic uses STARTTLS when the server advertises it,
	// verifying the certificate, but falls back to plaintext rather
	// than failing the connection when STARTTLS isn't offered.
	TlsOpportunistic Tls = iota
	// TlsOpportunisticInsecure is like TlsOpportunistic but does not
	// verify the server certificate when STARTTLS is used.
	TlsOpportunisticInsecure
	// TlsRequired requires STARTTLS with a verified certificate;
	// connecting to a server that doesn't advertise it is a failure.
	TlsRequired
	// TlsRequiredInsecure requires STARTTLS but does not verify the
	// server certificate.
	TlsRequiredInsecure
	// TlsDisabled never attempts STARTTLS even if advertised.
	TlsDisabled
)

// allowInsecure reports whether this policy tolerates an unverified
// certificate.
func (t Tls) allowInsecure() bool {
	return t == TlsOpportunisticInsecure || t == TlsRequiredInsecure
}

// required reports whether STARTTLS must succeed for the connection to be
// usable at all.
func (t Tls) required() bool {
	return t == TlsRequired || t == TlsRequiredInsecure
}

// DestSiteConfig is the per-site connection policy, resolved by name once
// per DestinationSite's lifetime (sites are reaped and re-resolved on next
// use, so config changes take effect without a restart).
type DestSiteConfig struct {
	ConnectionLimit int
	EnableTLS       Tls
	IdleTimeout     time.Duration
	MaxReady        int
	ConnectTimeout  time.Duration
}

// DefaultDestSiteConfig mirrors the original scheduler's defaults.
func DefaultDestSiteConfig() DestSiteConfig {
	return DestSiteConfig{
		ConnectionLimit: 32,
		EnableTLS:       TlsOpportunistic,
		IdleTimeout:     60 * time.Second,
		MaxReady:        1024,
		ConnectTimeout:  60 * time.Second,
	}
}
