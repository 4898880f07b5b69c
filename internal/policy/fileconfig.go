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

package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	parser "github.com/mtaqueue/mtaqueued/framework/cfgparser"
	"github.com/mtaqueue/mtaqueued/internal/deliveryqueue"
	"github.com/mtaqueue/mtaqueued/internal/deliverysite"
	"github.com/mtaqueue/mtaqueued/internal/message"
	"github.com/mtaqueue/mtaqueued/internal/queuename"
)

// FileHost is a config-file-driven Host, parsed with the block syntax
// from framework/cfgparser, the same Maddyfile-ish idiom used throughout
// this tree's configuration:
//
//	policy {
//	    default {
//	        retry_interval 1m
//	        max_retry_interval 1h
//	        max_age 72h
//	        connection_limit 32
//	        enable_tls opportunistic
//	        idle_timeout 1m
//	        max_ready 1024
//	    }
//	    domain example.com {
//	        connection_limit 8
//	        enable_tls required
//	    }
//	    tenant acme {
//	        max_age 24h
//	    }
//	}
type FileHost struct {
	mu          sync.RWMutex
	defaults    override
	byDomain    map[string]override
	byTenant    map[string]override
	byCampaign  map[string]override
}

type override struct {
	queue deliveryqueue.QueueConfig
	site  deliverysite.DestSiteConfig

	hasQueue bool
	hasSite  bool
}

// NewFileHost parses a policy{} block from path, falling back to
// reasonable built-in defaults for anything not specified so the daemon is
// runnable without a config file at all.
func NewFileHost(path string) (*FileHost, error) {
	h := &FileHost{
		byDomain:   make(map[string]override),
		byTenant:   make(map[string]override),
		byCampaign: make(map[string]override),
	}
	h.defaults = override{
		queue: deliveryqueue.QueueConfig{
			RetryInterval: 60 * time.Second,
			MaxAge:        4 * 24 * time.Hour,
		},
		site: deliverysite.DefaultDestSiteConfig(),
	}

	if path == "" {
		return h, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %q: %w", path, err)
	}
	defer f.Close()

	if err := h.load(f, path); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *FileHost) load(r io.Reader, location string) error {
	nodes, err := parser.Read(r, location)
	if err != nil {
		return fmt.Errorf("policy: parse %q: %w", location, err)
	}

	for _, top := range nodes {
		if top.Name != "policy" {
			continue
		}
		for _, block := range top.Children {
			ov, err := parseOverride(block.Children)
			if err != nil {
				return fmt.Errorf("policy: %s:%d: %w", block.File, block.Line, err)
			}
			switch block.Name {
			case "default":
				h.defaults = mergeOverride(h.defaults, ov)
			case "domain":
				if len(block.Args) != 1 {
					return fmt.Errorf("policy: %s:%d: domain block needs exactly one argument", block.File, block.Line)
				}
				h.byDomain[block.Args[0]] = ov
			case "tenant":
				if len(block.Args) != 1 {
					return fmt.Errorf("policy: %s:%d: tenant block needs exactly one argument", block.File, block.Line)
				}
				h.byTenant[block.Args[0]] = ov
			case "campaign":
				if len(block.Args) != 1 {
					return fmt.Errorf("policy: %s:%d: campaign block needs exactly one argument", block.File, block.Line)
				}
				h.byCampaign[block.Args[0]] = ov
			}
		}
	}
	return nil
}

func parseOverride(directives []parser.Node) (override, error) {
	var ov override
	for _, d := range directives {
		if len(d.Args) != 1 {
			return ov, fmt.Errorf("%s expects exactly one argument", d.Name)
		}
		val := d.Args[0]
		switch d.Name {
		case "retry_interval":
			dur, err := time.ParseDuration(val)
			if err != nil {
				return ov, err
			}
			ov.queue.RetryInterval = dur
			ov.hasQueue = true
		case "max_retry_interval":
			dur, err := time.ParseDuration(val)
			if err != nil {
				return ov, err
			}
			ov.queue.MaxRetryInterval = dur
			ov.hasQueue = true
		case "max_age":
			dur, err := time.ParseDuration(val)
			if err != nil {
				return ov, err
			}
			ov.queue.MaxAge = dur
			ov.hasQueue = true
		case "connection_limit":
			n, err := strconv.Atoi(val)
			if err != nil {
				return ov, err
			}
			ov.site.ConnectionLimit = n
			ov.hasSite = true
		case "enable_tls":
			tls, err := parseTLS(val)
			if err != nil {
				return ov, err
			}
			ov.site.EnableTLS = tls
			ov.hasSite = true
		case "idle_timeout":
			dur, err := time.ParseDuration(val)
			if err != nil {
				return ov, err
			}
			ov.site.IdleTimeout = dur
			ov.hasSite = true
		case "connect_timeout":
			dur, err := time.ParseDuration(val)
			if err != nil {
				return ov, err
			}
			ov.site.ConnectTimeout = dur
			ov.hasSite = true
		case "max_ready":
			n, err := strconv.Atoi(val)
			if err != nil {
				return ov, err
			}
			ov.site.MaxReady = n
			ov.hasSite = true
		default:
			return ov, fmt.Errorf("unknown directive %q", d.Name)
		}
	}
	return ov, nil
}

func parseTLS(val string) (deliverysite.Tls, error) {
	switch val {
	case "opportunistic":
		return deliverysite.TlsOpportunistic, nil
	case "opportunistic_insecure":
		return deliverysite.TlsOpportunisticInsecure, nil
	case "required":
		return deliverysite.TlsRequired, nil
	case "required_insecure":
		return deliverysite.TlsRequiredInsecure, nil
	case "disabled":
		return deliverysite.TlsDisabled, nil
	default:
		return 0, fmt.Errorf("unknown tls policy %q", val)
	}
}

// mergeOverride layers b's explicitly-set fields on top of a, used to let
// a domain/tenant/campaign block only override the fields it mentions.
func mergeOverride(a, b override) override {
	out := a
	if b.hasQueue {
		out.queue = b.queue
		out.hasQueue = true
	}
	if b.hasSite {
		out.site = b.site
		out.hasSite = true
	}
	return out
}

// GetQueueConfig implements deliveryqueue.ConfigSource, resolving name's
// campaign/tenant/domain components against the most specific matching
// block (campaign, then tenant, then domain, falling back to default).
func (h *FileHost) GetQueueConfig(name string) (deliveryqueue.QueueConfig, error) {
	comp := queuename.Parse(name)

	h.mu.RLock()
	defer h.mu.RUnlock()

	cfg := h.defaults
	if ov, ok := h.byDomain[comp.Domain]; ok {
		cfg = mergeOverride(cfg, ov)
	}
	if ov, ok := h.byTenant[comp.Tenant]; ok {
		cfg = mergeOverride(cfg, ov)
	}
	if ov, ok := h.byCampaign[comp.Campaign]; ok {
		cfg = mergeOverride(cfg, ov)
	}
	return cfg.queue, nil
}

// GetSiteConfig implements deliverysite.ConfigSource.
func (h *FileHost) GetSiteConfig(domain, _ string) (deliverysite.DestSiteConfig, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cfg := h.defaults
	if ov, ok := h.byDomain[domain]; ok {
		cfg = mergeOverride(cfg, ov)
	}
	return cfg.site, nil
}

// RebindMessage unmarshals data as {"queue": "<new name>"} and, if present,
// assigns it to m.QueueName -- the default rebind callback; a richer policy
// host could run arbitrary logic here instead.
func (h *FileHost) RebindMessage(m *message.Message, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var payload struct {
		Queue string `json:"queue"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("policy: rebind payload: %w", err)
	}
	if payload.Queue != "" {
		m.QueueName = payload.Queue
	}
	return nil
}
