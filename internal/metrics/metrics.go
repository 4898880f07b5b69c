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

// Package metrics registers the Prometheus gauges the delivery core
// exposes, mirroring the per-queue delayed_gauge and per-site
// connection_gauge tracked by the original scheduler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DelayedCount is the number of messages currently sitting in a
	// queue's delayed (not-yet-due) heap, labeled by queue name.
	DelayedCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mtaqueue",
		Name:      "delayed_count",
		Help:      "Number of messages waiting in a queue's delayed heap.",
	}, []string{"queue"})

	// ConnectionCount is the number of live outbound SMTP connections,
	// labeled by service in the normative "smtp_client:<site>" form.
	ConnectionCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mtaqueue",
		Name:      "connection_count",
		Help:      "Number of open outbound SMTP connections per site.",
	}, []string{"service"})

	// ReadyCount is the number of messages sitting in a site's ready
	// ring buffer awaiting a dispatcher.
	ReadyCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mtaqueue",
		Name:      "ready_count",
		Help:      "Number of messages in a site's ready buffer.",
	}, []string{"site"})
)

func init() {
	prometheus.MustRegister(DelayedCount, ConnectionCount, ReadyCount)
}

// ConnectionService formats a site key as the normative
// "smtp_client:<site>" service label carried by connection_count.
func ConnectionService(site string) string {
	return "smtp_client:" + site
}
