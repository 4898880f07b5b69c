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

// Package queuename parses the "campaign:tenant@domain" convention for a
// logical queue's name -- treated as opaque by the scheduling core itself,
// but needed by policy lookup (per-domain config overrides) and the admin
// surface (directive matching).
package queuename

import "strings"

// Components is a queue name split into its conventional parts. Any part
// may be empty if the name didn't follow the convention (a bare domain, for
// instance); callers should treat an empty Domain as "match nothing" for
// the purposes of a directive that specifies Domain.
type Components struct {
	Campaign string
	Tenant   string
	Domain   string
}

// Parse splits name on '@' for the domain and ':' for campaign:tenant, the
// convention used by the reference policy host and admin CLI. A name with
// no '@' is treated as a bare domain.
func Parse(name string) Components {
	local, domain, found := strings.Cut(name, "@")
	if !found {
		return Components{Domain: name}
	}
	campaign, tenant, found := strings.Cut(local, ":")
	if !found {
		return Components{Tenant: local, Domain: domain}
	}
	return Components{Campaign: campaign, Tenant: tenant, Domain: domain}
}

// Format reassembles Components into the conventional string form, the
// inverse of Parse.
func (c Components) Format() string {
	local := c.Tenant
	if c.Campaign != "" {
		local = c.Campaign + ":" + c.Tenant
	}
	if local == "" {
		return c.Domain
	}
	return local + "@" + c.Domain
}

// Matches reports whether every non-empty field of match equals the
// corresponding field of c: a directive matches a queue when every
// specified field equals the corresponding component parsed from the
// queue name, and unspecified fields match anything.
func (c Components) Matches(match Match) bool {
	if match.Domain != "" && match.Domain != c.Domain {
		return false
	}
	if match.Tenant != "" && match.Tenant != c.Tenant {
		return false
	}
	if match.Campaign != "" && match.Campaign != c.Campaign {
		return false
	}
	return true
}

// Match is an admin directive's match tuple: zero or more specified fields,
// all of which must equal a queue's corresponding component for the
// directive to apply.
type Match struct {
	Domain   string
	Tenant   string
	Campaign string
}

// Empty reports whether no field of m is set -- the case a directive's
// "--everything" flag exists to require being explicit about.
func (m Match) Empty() bool {
	return m.Domain == "" && m.Tenant == "" && m.Campaign == ""
}
