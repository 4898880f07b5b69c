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

package policy

import (
	"net"

	"blitiri.com.ar/go/spf"
)

// SPFResult mirrors spf.Result's vocabulary without forcing every caller of
// CheckSPF to import blitiri.com.ar/go/spf directly.
type SPFResult string

const (
	SPFNone      SPFResult = "none"
	SPFNeutral   SPFResult = "neutral"
	SPFPass      SPFResult = "pass"
	SPFFail      SPFResult = "fail"
	SPFSoftFail  SPFResult = "softfail"
	SPFTempError SPFResult = "temperror"
	SPFPermError SPFResult = "permerror"
)

// CheckSPF is a pure function exposed to policy rather than wired into the
// scheduling core itself. A policy Host implementation's RebindMessage or
// config logic may call this to decide whether a sender is authorized
// before accepting a message, but the core never does.
func CheckSPF(ip net.IP, helo, mailFrom string) (SPFResult, error) {
	res, err := spf.CheckHostWithSender(ip, helo, mailFrom)
	return SPFResult(res), err
}
