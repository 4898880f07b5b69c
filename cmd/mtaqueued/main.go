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

// Command mtaqueued is the delivery-scheduling daemon: it loads the
// on-disk spool, wires the queue manager to the site manager, starts the
// admin HTTP surface, and runs until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mtaqueue/mtaqueued/internal/adminapi"
	"github.com/mtaqueue/mtaqueued/internal/deliveryqueue"
	"github.com/mtaqueue/mtaqueued/internal/deliverysite"
	"github.com/mtaqueue/mtaqueued/internal/dnsresolve"
	"github.com/mtaqueue/mtaqueued/internal/policy"
	"github.com/mtaqueue/mtaqueued/internal/spool"
	"github.com/mtaqueue/mtaqueued/internal/xlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the policy config file (optional)")
		spoolDir   = flag.String("spool", "/var/lib/mtaqueued/spool", "path to the message spool directory")
		adminAddr  = flag.String("admin", "localhost:9980", "address for the admin HTTP surface")
		heloName   = flag.String("helo", "localhost", "hostname announced in outgoing EHLO")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := xlog.New("mtaqueued", *debug)

	host, err := policy.NewFileHost(*configPath)
	if err != nil {
		log.Error("failed to load policy config", err)
		return 2
	}

	sp, err := spool.NewFileSpool(*spoolDir)
	if err != nil {
		log.Error("failed to open spool", err, "path", *spoolDir)
		return 2
	}

	resolver, err := dnsresolve.NewMiekgResolver()
	if err != nil {
		log.Error("failed to initialize DNS resolver", err)
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	siteMgr := deliverysite.NewManager(resolver, host, nil, deliverysite.StdDialer{}, sp, log)
	siteMgr.HeloName = *heloName

	queueMgr := deliveryqueue.NewManager(host, sp, siteMgr, log)
	siteMgr.SetRequeuer(queueMgr)

	if err := restoreSpool(ctx, sp, queueMgr, log); err != nil {
		log.Error("failed to restore spool", err)
		return 2
	}

	core := &adminapi.Core{
		Queues: queueMgr,
		Sites:  siteMgr,
		Spool:  sp,
		Host:   host,
		Log:    log,
	}
	adminServer := adminapi.NewServer(core)
	httpServer := &http.Server{Addr: *adminAddr, Handler: adminServer}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Msg("admin HTTP surface listening", "addr", *adminAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		return httpServer.Shutdown(context.Background())
	})
	group.Go(func() error {
		return waitForSignal(gctx)
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Error("daemon exited with error", err)
		return 1
	}
	return 0
}

// waitForSignal blocks until SIGTERM/SIGINT or ctx cancellation, then
// cancels the rest of the run group via its own return -- the same
// channel-based shutdown trigger the reference daemon's handleSignals uses,
// expressed through errgroup instead of a bespoke loop.
func waitForSignal(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		return errShutdownRequested
	case <-ctx.Done():
		return nil
	}
}

var errShutdownRequested = fmt.Errorf("mtaqueued: shutdown requested")

// restoreSpool re-inserts every message still on disk into its logical
// queue, the startup-time recovery a Queue always needs after a restart.
func restoreSpool(ctx context.Context, sp spool.Spool, queueMgr *deliveryqueue.Manager, log xlog.Logger) error {
	messages, err := sp.List(ctx)
	if err != nil {
		return err
	}
	log.Msg("restoring spool", "count", len(messages))
	for _, m := range messages {
		if err := queueMgr.Insert(ctx, m.QueueName, m); err != nil {
			log.Error("failed to restore message", err, "msg_id", m.ID)
		}
	}
	return nil
}
