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
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// toASCII converts domain to its A-label (Punycode) form, first folding it
// to Unicode NFC so two differently-composed spellings of the same
// internationalized domain name factor to the same wire query and the same
// destination site key. A domain that is already all-ASCII round-trips
// unchanged.
func toASCII(domain string) (string, error) {
	return idna.ToASCII(norm.NFC.String(domain))
}
