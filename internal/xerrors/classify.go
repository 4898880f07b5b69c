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

// Package xerrors classifies delivery errors as temporary or permanent,
// the way framework/exterrors lets callers ask "should this be retried".
package xerrors

import (
	"errors"

	"github.com/mtaqueue/mtaqueued/framework/exterrors"
)

// Disposition is the outcome a classified error should drive: retry later,
// or stop trying and record a permanent failure.
type Disposition int

const (
	Transient Disposition = iota
	Permanent
)

func (d Disposition) String() string {
	if d == Permanent {
		return "permanent"
	}
	return "transient"
}

// SMTPError is a minimal SMTP reply classification, reported by the wire
// client: a status code plus enhanced code and message text.
type SMTPError struct {
	Code         int
	EnhancedCode [3]int
	Message      string
}

func (e *SMTPError) Error() string {
	return e.Message
}

// Temporary implements exterrors.TemporaryErr: 4xx codes are retryable,
// 5xx codes are not.
func (e *SMTPError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

// Classify inspects err (which may be an *SMTPError, a wrapped I/O error, or
// any error carrying a Temporary() bool per exterrors.TemporaryErr) and
// returns the retry disposition. Errors with no opinion are treated as
// temporary, matching exterrors.IsTemporaryOrUnspec: connection resets and
// other I/O failures should be retried rather than discarded.
func Classify(err error) Disposition {
	if err == nil {
		return Transient
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		return Transient
	}
	return Permanent
}

// WithFields attaches structured diagnostic fields (site, attempt, mx host)
// to err for logging, the way exterrors.WithFields does throughout this
// tree's check pipeline.
func WithFields(err error, fields map[string]interface{}) error {
	return exterrors.WithFields(err, fields)
}

// Fields extracts any structured fields attached via WithFields, walking
// the error chain.
func Fields(err error) map[string]interface{} {
	return exterrors.Fields(err)
}

// WithTemporary wraps err with an explicit Temporary() verdict, used for
// connection-level failures (dial timeout, reset) that carry no SMTP status
// code to classify from.
func WithTemporary(err error, temporary bool) error {
	return exterrors.WithTemporary(err, temporary)
}

// IsTemporary reports err.Temporary() if err implements it, defaulting to
// false (permanent) when unspecified -- callers that have already decided
// "unspec means retry" should use Classify instead.
func IsTemporary(err error) bool {
	return exterrors.IsTemporary(err)
}

var errPanic = errors.New("xerrors: recovered panic in delivery worker")

// RecoveredPanic wraps a recovered panic value as a transient error so a
// worker goroutine's recover() guard can feed it straight into the normal
// requeue path instead of needing a separate code path.
func RecoveredPanic(v interface{}) error {
	return exterrors.WithFields(errPanic, map[string]interface{}{"panic": v})
}
