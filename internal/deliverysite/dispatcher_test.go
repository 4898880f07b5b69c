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

package deliverysite

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/require"

	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/xerrors"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

// fakeClient is a smtpwire.Client stand-in whose StartTLS/Deliver outcomes
// are set by the test, with enough bookkeeping to assert what was called.
type fakeClient struct {
	startTLSSupported bool
	startTLSErr       error
	startTLSCfg       *tls.Config
	deliverErr        error
	closed            bool
}

func (c *fakeClient) StartTLSSupported() bool { return c.startTLSSupported }

func (c *fakeClient) StartTLS(cfg *tls.Config) error {
	c.startTLSCfg = cfg
	return c.startTLSErr
}

func (c *fakeClient) Deliver(_ context.Context, _, _ string, _ textproto.Header, _ io.Reader) error {
	return c.deliverErr
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// fakeRequeuer records every RequeueMessage call for assertions.
type fakeRequeuer struct {
	mu    sync.Mutex
	calls []requeueCall
}

type requeueCall struct {
	id                string
	incrementAttempts bool
}

func (r *fakeRequeuer) RequeueMessage(_ context.Context, m *message.Message, incrementAttempts bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, requeueCall{id: m.ID, incrementAttempts: incrementAttempts})
	return true
}

func (r *fakeRequeuer) snapshot() []requeueCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]requeueCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestDispatcher(t *testing.T, requeue *fakeRequeuer, sp *fakeSpool, tlsPolicy Tls) (*Dispatcher, *DestinationSite) {
	t.Helper()
	cfg := DestSiteConfig{ConnectionLimit: 4, MaxReady: 4, EnableTLS: tlsPolicy}
	site := newDestinationSite("test.example", []string{"mx1.test.example"}, cfg, nil, requeue, &blockingDial{}, sp, xlog.New("test", false))
	return &Dispatcher{site: site, requeue: requeue, sp: sp, heloName: "localhost", log: xlog.New("test", false)}, site
}

func TestDeliverMessageSuccess(t *testing.T) {
	requeue := &fakeRequeuer{}
	sp := newFakeSpool()
	m := &message.Message{ID: "msg-1", Sender: "a@example.com", Recipient: "b@example.net"}
	require.NoError(t, sp.Save(context.Background(), m, textproto.Header{}, []byte("body")))

	d, _ := newTestDispatcher(t, requeue, sp, TlsOpportunistic)
	d.current = m

	client := &fakeClient{}
	cont := d.deliverMessage(context.Background(), client)

	require.True(t, cont)
	require.Nil(t, d.current)
	require.Empty(t, requeue.snapshot())
	_, ok := sp.byID[m.ID]
	require.False(t, ok, "delivered message should be removed from the spool")
}

func TestDeliverMessageTransientSMTPError(t *testing.T) {
	requeue := &fakeRequeuer{}
	sp := newFakeSpool()
	m := &message.Message{ID: "msg-2"}
	require.NoError(t, sp.Save(context.Background(), m, textproto.Header{}, []byte("body")))

	d, _ := newTestDispatcher(t, requeue, sp, TlsOpportunistic)
	d.current = m

	client := &fakeClient{deliverErr: &xerrors.SMTPError{Code: 450, Message: "try later"}}
	cont := d.deliverMessage(context.Background(), client)

	require.True(t, cont)
	require.Nil(t, d.current)
	calls := requeue.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "msg-2", calls[0].id)
	require.True(t, calls[0].incrementAttempts)
	_, stillSpooled := sp.byID[m.ID]
	require.True(t, stillSpooled)
}

func TestDeliverMessagePermanentSMTPError(t *testing.T) {
	requeue := &fakeRequeuer{}
	sp := newFakeSpool()
	m := &message.Message{ID: "msg-3"}
	require.NoError(t, sp.Save(context.Background(), m, textproto.Header{}, []byte("body")))

	d, _ := newTestDispatcher(t, requeue, sp, TlsOpportunistic)
	d.current = m

	client := &fakeClient{deliverErr: &xerrors.SMTPError{Code: 550, Message: "no such user"}}
	cont := d.deliverMessage(context.Background(), client)

	require.True(t, cont)
	require.Empty(t, requeue.snapshot())
	_, stillSpooled := sp.byID[m.ID]
	require.False(t, stillSpooled)
}

func TestDeliverMessageConnectionLevelErrorClosesConnection(t *testing.T) {
	requeue := &fakeRequeuer{}
	sp := newFakeSpool()
	m := &message.Message{ID: "msg-4"}
	require.NoError(t, sp.Save(context.Background(), m, textproto.Header{}, []byte("body")))

	d, _ := newTestDispatcher(t, requeue, sp, TlsOpportunistic)
	d.current = m

	client := &fakeClient{deliverErr: errors.New("connection reset by peer")}
	cont := d.deliverMessage(context.Background(), client)

	require.False(t, cont)
	calls := requeue.snapshot()
	require.Len(t, calls, 1)
	require.True(t, calls[0].incrementAttempts, "connection-level I/O errors count as an attempt")
}

func TestNegotiateTLSDisabledNeverStarts(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeRequeuer{}, newFakeSpool(), TlsDisabled)
	client := &fakeClient{startTLSSupported: true}
	require.NoError(t, d.negotiateTLS(client, "mx.example"))
	require.Nil(t, client.startTLSCfg)
}

func TestNegotiateTLSOpportunisticSkipsWhenNotAdvertised(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeRequeuer{}, newFakeSpool(), TlsOpportunistic)
	client := &fakeClient{startTLSSupported: false}
	require.NoError(t, d.negotiateTLS(client, "mx.example"))
	require.Nil(t, client.startTLSCfg)
}

func TestNegotiateTLSOpportunisticUpgradesWhenAdvertised(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeRequeuer{}, newFakeSpool(), TlsOpportunistic)
	client := &fakeClient{startTLSSupported: true}
	require.NoError(t, d.negotiateTLS(client, "mx.example"))
	require.NotNil(t, client.startTLSCfg)
	require.False(t, client.startTLSCfg.InsecureSkipVerify)
}

func TestNegotiateTLSRequiredFailsWhenNotAdvertised(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeRequeuer{}, newFakeSpool(), TlsRequired)
	client := &fakeClient{startTLSSupported: false}
	require.Error(t, d.negotiateTLS(client, "mx.example"))
}

func TestNegotiateTLSRequiredInsecureAllowsSkipVerify(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeRequeuer{}, newFakeSpool(), TlsRequiredInsecure)
	client := &fakeClient{startTLSSupported: true}
	require.NoError(t, d.negotiateTLS(client, "mx.example"))
	require.True(t, client.startTLSCfg.InsecureSkipVerify)
}

func TestDropIfOwnedRequeuesInBackground(t *testing.T) {
	requeue := &fakeRequeuer{}
	d, _ := newTestDispatcher(t, requeue, newFakeSpool(), TlsOpportunistic)
	d.current = &message.Message{ID: "owned-msg"}

	d.dropIfOwned()
	require.Nil(t, d.current)

	require.Eventually(t, func() bool {
		calls := requeue.snapshot()
		return len(calls) == 1 && calls[0].id == "owned-msg" && !calls[0].incrementAttempts
	}, time.Second, time.Millisecond)
}

func TestDropIfOwnedNoopWhenNothingOwned(t *testing.T) {
	requeue := &fakeRequeuer{}
	d, _ := newTestDispatcher(t, requeue, newFakeSpool(), TlsOpportunistic)
	d.dropIfOwned()
	require.Empty(t, requeue.snapshot())
}
