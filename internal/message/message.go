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

// Package message defines the in-flight unit of work the delivery core
// schedules, retries and hands to dispatchers: the metadata a queue needs
// to make retry/expiry decisions, kept separate from the spooled body so
// that queue and site bookkeeping never has to load message content.
package message

import "time"

// Message is a handle to one outbound delivery attempt. It carries the
// bookkeeping a Queue and DestinationSite need; the envelope and body live
// in the spool and are loaded lazily by the dispatcher only when it is
// actually about to send.
type Message struct {
	ID string

	Sender     string
	Recipient  string
	QueueName  string
	SiteName   string
	Tenant     string
	Campaign   string

	// ArrivedAt is when this message was first accepted, used as the
	// origin for MaxAge expiry.
	ArrivedAt time.Time

	// NumAttempts is how many delivery attempts have been made so far.
	NumAttempts int

	// Domain is the recipient domain, used by site resolution.
	Domain string
}

// Age returns how long the message has been in the system relative to now.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.ArrivedAt)
}
