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
	"sync"

	"github.com/mtaqueue/mtaqueued/internal/message"
)

// readyRing is a fixed-capacity ring buffer of messages waiting for a free
// dispatcher. It is held under its own short-lived mutex, separate from
// the site's slower bookkeeping mutex, so a dispatcher popping work never
// blocks behind a maintain() pass.
type readyRing struct {
	mu       sync.Mutex
	items    []*message.Message
	head     int
	count    int
	capacity int
}

func newReadyRing(capacity int) *readyRing {
	return &readyRing{items: make([]*message.Message, capacity), capacity: capacity}
}

// push adds m, returning ok=false and m itself back to the caller if the
// ring is already at capacity, never silently dropping an older ready
// message to make room for a newer one.
func (r *readyRing) push(m *message.Message) (rejected *message.Message, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		return m, false
	}

	idx := (r.head + r.count) % r.capacity
	r.items[idx] = m
	r.count++
	return nil, true
}

// pop removes and returns the oldest message, or nil if empty.
func (r *readyRing) pop() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	m := r.items[r.head]
	r.items[r.head] = nil
	r.head = (r.head + 1) % r.capacity
	r.count--
	return m
}

func (r *readyRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
