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

package smtpwire

import (
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"

	"github.com/mtaqueue/mtaqueued/internal/xerrors"
)

func TestClassifySMTPErrTemporary(t *testing.T) {
	err := classifySMTPErr(&smtp.SMTPError{Code: 450, Message: "try later"})
	var smtpErr *xerrors.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	require.True(t, smtpErr.Temporary())
	require.Equal(t, xerrors.Transient, xerrors.Classify(err))
}

func TestClassifySMTPErrPermanent(t *testing.T) {
	err := classifySMTPErr(&smtp.SMTPError{Code: 550, Message: "no such user"})
	var smtpErr *xerrors.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	require.False(t, smtpErr.Temporary())
	require.Equal(t, xerrors.Permanent, xerrors.Classify(err))
}

func TestClassifySMTPErrNonSMTP(t *testing.T) {
	err := classifySMTPErr(assertError{})
	require.Equal(t, xerrors.Transient, xerrors.Classify(err))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
