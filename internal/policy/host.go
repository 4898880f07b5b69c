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

// Package policy supplies per-queue retry policy, per-site connection
// policy, and the rebind callback the admin surface invokes. FileHost is
// the default, config-file-driven implementation; anything implementing
// Host can be substituted (e.g. for tests or an alternate policy source).
package policy

import (
	"encoding/json"

	"github.com/mtaqueue/mtaqueued/internal/deliveryqueue"
	"github.com/mtaqueue/mtaqueued/internal/deliverysite"
	"github.com/mtaqueue/mtaqueued/internal/message"
)

// Host is the full policy callback surface the delivery core calls into,
// combining deliveryqueue.ConfigSource and deliverysite.ConfigSource with
// the rebind callback the admin surface invokes.
type Host interface {
	deliveryqueue.ConfigSource
	deliverysite.ConfigSource

	// RebindMessage is invoked by the admin rebind directive; it may
	// mutate m.QueueName to move the message to a different logical
	// queue. data is the directive's opaque payload, forwarded
	// verbatim.
	RebindMessage(m *message.Message, data json.RawMessage) error
}
