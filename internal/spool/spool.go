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

// Package spool persists in-flight messages to disk so a restart does not
// lose queued mail, the way target/queue's .meta/.header/.body file triad
// does. A Spool is treated as an external collaborator by the scheduling
// core (callers interact through the Spool interface), with FileSpool
// provided as the default, runnable implementation.
package spool

import (
	"context"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/mtaqueue/mtaqueued/internal/message"
)

// Spool stores message envelopes/bodies durably and hands them back by id.
type Spool interface {
	// NewID allocates a fresh message id.
	NewID() string

	// Save writes msg's metadata, header and body. FileSpool replaces the
	// metadata file atomically; the header and body files are written in
	// place. It is safe
	// to call again with the same msg.ID to update metadata (e.g. after
	// incrementing NumAttempts).
	Save(ctx context.Context, msg *message.Message, hdr textproto.Header, body []byte) error

	// SaveMeta rewrites only msg's metadata file, used after an attempt
	// count bump where the header/body are unchanged.
	SaveMeta(ctx context.Context, msg *message.Message) error

	// Load reads back a message's metadata by id.
	Load(ctx context.Context, id string) (*message.Message, error)

	// LoadBody reads back a message's header and body by id.
	LoadBody(ctx context.Context, id string) (textproto.Header, []byte, error)

	// Remove deletes all files associated with id. Per the error model,
	// a failure here after a successful delivery is logged, not
	// retried: the lesser evil is a duplicate send, not losing track of
	// a permanently undeliverable message.
	Remove(ctx context.Context, id string) error

	// List enumerates every message currently on disk, used to rebuild
	// queues on startup.
	List(ctx context.Context) ([]*message.Message, error)
}

// meta is the on-disk JSON representation of message.Message, kept
// separate from message.Message itself so spool's serialization concerns
// don't leak into the scheduling core's in-memory type.
type meta struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	QueueName   string    `json:"queue_name"`
	SiteName    string    `json:"site_name"`
	Tenant      string    `json:"tenant,omitempty"`
	Campaign    string    `json:"campaign,omitempty"`
	Domain      string    `json:"domain"`
	ArrivedAt   time.Time `json:"arrived_at"`
	NumAttempts int       `json:"num_attempts"`
}

func toMeta(m *message.Message) meta {
	return meta{
		ID:          m.ID,
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		QueueName:   m.QueueName,
		SiteName:    m.SiteName,
		Tenant:      m.Tenant,
		Campaign:    m.Campaign,
		Domain:      m.Domain,
		ArrivedAt:   m.ArrivedAt,
		NumAttempts: m.NumAttempts,
	}
}

func fromMeta(m meta) *message.Message {
	return &message.Message{
		ID:          m.ID,
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		QueueName:   m.QueueName,
		SiteName:    m.SiteName,
		Tenant:      m.Tenant,
		Campaign:    m.Campaign,
		Domain:      m.Domain,
		ArrivedAt:   m.ArrivedAt,
		NumAttempts: m.NumAttempts,
	}
}
