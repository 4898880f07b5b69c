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

// Package xlog adapts the structured logger used throughout the delivery
// core to the fields this domain cares about: queue name, site name,
// message id, attempt count.
package xlog

import (
	"os"

	"github.com/mtaqueue/mtaqueued/framework/log"
	"go.uber.org/zap"
)

// Logger is a log.Logger value, kept as a distinct type name so call sites
// read as belonging to the delivery core rather than to arbitrary
// framework code.
type Logger = log.Logger

// New returns a Logger named after the given component, writing to stderr
// with the given debug verbosity.
func New(name string, debug bool) Logger {
	return Logger{
		Out:   log.WriterOutput(os.Stderr, false),
		Name:  name,
		Debug: debug,
	}
}

// Zap exposes the zap logger backing l, for libraries that want one
// directly.
func Zap(l Logger) *zap.Logger {
	return l.Zap()
}

// WithQueue returns a copy of l with a queue field attached to every
// subsequent Msg/Error call.
func WithQueue(l Logger, queue string) Logger {
	return withField(l, "queue", queue)
}

// WithSite returns a copy of l with a site field attached.
func WithSite(l Logger, site string) Logger {
	return withField(l, "site", site)
}

// DeliveryLogger returns a copy of l with the message id field attached,
// mirroring target.DeliveryLogger's msg_id/from/rcpt field attachment.
func DeliveryLogger(l Logger, msgID string) Logger {
	return withField(l, "msg_id", msgID)
}

// WithAttempt returns a copy of l with the attempt count field attached.
func WithAttempt(l Logger, attempt int) Logger {
	return withField(l, "attempt", attempt)
}

func withField(l Logger, key string, val interface{}) Logger {
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields[key] = val
	l.Fields = fields
	return l
}
