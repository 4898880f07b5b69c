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

// Package smtpwire is the outbound SMTP client used by a dispatcher to
// speak to one remote MX host: connect, negotiate EHLO/STARTTLS, and send
// one message per call.
package smtpwire

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/mtaqueue/mtaqueued/internal/xerrors"
)

// Client is one connection to a remote MX host, through the EHLO/STARTTLS
// and a single deliver call.
type Client interface {
	// StartTLSSupported reports whether the server advertised STARTTLS
	// in its EHLO response.
	StartTLSSupported() bool

	// StartTLS performs the STARTTLS handshake with cfg.
	StartTLS(cfg *tls.Config) error

	// Deliver sends one message envelope, returning a classified
	// *xerrors.SMTPError on rejection.
	Deliver(ctx context.Context, from, rcpt string, hdr textproto.Header, body io.Reader) error

	// Close tears down the connection, sending QUIT if the connection
	// is still usable.
	Close() error
}

type goSMTPClient struct {
	conn   net.Conn
	client *smtp.Client
}

// Dial opens a TCP connection to addr and performs EHLO, returning a Client
// ready for an optional StartTLS call followed by Deliver.
func Dial(ctx context.Context, addr, heloName string, timeout time.Duration) (Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.WithFields(err, map[string]interface{}{"addr": addr})
	}

	c, err := smtp.NewClient(conn, hostOnly(addr))
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := c.Hello(heloName); err != nil {
		c.Close()
		return nil, classifySMTPErr(err)
	}

	return &goSMTPClient{conn: conn, client: c}, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (c *goSMTPClient) StartTLSSupported() bool {
	ok, _ := c.client.Extension("STARTTLS")
	return ok
}

func (c *goSMTPClient) StartTLS(cfg *tls.Config) error {
	if err := c.client.StartTLS(cfg); err != nil {
		return classifySMTPErr(err)
	}
	return nil
}

func (c *goSMTPClient) Deliver(ctx context.Context, from, rcpt string, hdr textproto.Header, body io.Reader) error {
	if err := c.client.Mail(from, nil); err != nil {
		return classifySMTPErr(err)
	}
	if err := c.client.Rcpt(rcpt, nil); err != nil {
		return classifySMTPErr(err)
	}

	wc, err := c.client.Data()
	if err != nil {
		return classifySMTPErr(err)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		wc.Close()
		return err
	}
	if _, err := io.Copy(wc, body); err != nil {
		wc.Close()
		return err
	}
	if err := wc.Close(); err != nil {
		return classifySMTPErr(err)
	}
	return nil
}

func (c *goSMTPClient) Close() error {
	_ = c.client.Quit()
	return c.conn.Close()
}

// classifySMTPErr turns a go-smtp *smtp.SMTPError into our *xerrors.SMTPError
// so the rest of the delivery core never has to import go-smtp directly to
// decide retry-vs-expire.
func classifySMTPErr(err error) error {
	if err == nil {
		return nil
	}
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		return &xerrors.SMTPError{
			Code:         smtpErr.Code,
			EnhancedCode: [3]int(smtpErr.EnhancedCode),
			Message:      smtpErr.Message,
		}
	}
	// Connection-level errors (timeouts, resets) have no status code;
	// treat as transient.
	return xerrors.WithTemporary(err, true)
}
