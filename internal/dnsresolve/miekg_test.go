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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortMXByPreference(t *testing.T) {
	records := []MXRecord{
		{Host: "mx2.example.com", Pref: 20},
		{Host: "mx1.example.com", Pref: 10},
		{Host: "mx3.example.com", Pref: 10},
	}
	sortMX(records)
	require.Equal(t, []MXRecord{
		{Host: "mx1.example.com", Pref: 10},
		{Host: "mx3.example.com", Pref: 10},
		{Host: "mx2.example.com", Pref: 20},
	}, records)
}

func TestNotFoundErrorIsNotTemporary(t *testing.T) {
	err := &NotFoundError{Domain: "nonexistent.invalid"}
	require.False(t, err.Temporary())
	require.Contains(t, err.Error(), "nonexistent.invalid")
}

func TestToASCIIEncodesUnicodeDomain(t *testing.T) {
	ascii, err := toASCII("müller.example")
	require.NoError(t, err)
	require.Equal(t, "xn--mller-kva.example", ascii)
}

func TestToASCIILeavesASCIIDomainUnchanged(t *testing.T) {
	ascii, err := toASCII("example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", ascii)
}
