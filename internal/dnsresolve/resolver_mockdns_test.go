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
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/stretchr/testify/require"
)

func TestMiekgResolverLookupIPViaMockDNS(t *testing.T) {
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"mx.example.org.": {
			A: []string{"127.0.0.1"},
		},
	}, false)
	require.NoError(t, err)
	defer srv.Close()

	sysResolver := &net.Resolver{}
	srv.PatchNet(sysResolver)
	defer mockdns.UnpatchNet(sysResolver)

	r := &MiekgResolver{SystemResolver: sysResolver}
	ips, err := r.LookupIP(context.Background(), "mx.example.org")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "127.0.0.1", ips[0].String())
}

func TestMiekgResolverLookupIPNotFound(t *testing.T) {
	srv, err := mockdns.NewServer(map[string]mockdns.Zone{}, false)
	require.NoError(t, err)
	defer srv.Close()

	sysResolver := &net.Resolver{}
	srv.PatchNet(sysResolver)
	defer mockdns.UnpatchNet(sysResolver)

	r := &MiekgResolver{SystemResolver: sysResolver}
	_, err = r.LookupIP(context.Background(), "nowhere.invalid")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}
