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

package deliveryqueue

import (
	"container/heap"
	"time"
)

// timeItem is one entry in a timeQueue: a due time plus an opaque payload.
type timeItem struct {
	due     time.Time
	payload interface{}
	index   int
}

type timeHeap []*timeItem

func (h timeHeap) Len() int { return len(h) }
func (h timeHeap) Less(i, j int) bool {
	return h[i].due.Before(h[j].due)
}
func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timeHeap) Push(x interface{}) {
	item := x.(*timeItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// popOutcome classifies what pop found: a batch of due items, a sleep
// duration until the next item comes due, or an empty queue.
type popOutcome int

const (
	// popEmpty means the queue holds nothing at all.
	popEmpty popOutcome = iota
	// popSleep means the queue holds items but none are due yet; pop's
	// wait result reports how long until the earliest one becomes due.
	popSleep
	// popItems means one or more items are due now and have been
	// returned.
	popItems
)

// timeQueue is a time-ordered min-heap: items are inserted with a due time
// and popped in due-time order, with the caller told whether to sleep,
// process a due batch, or stop because it's empty.
//
// Unlike a linear-scan time wheel, insert/peek are O(log n), which matters
// once a queue's delayed backlog runs into the thousands of messages this
// core is sized for.
type timeQueue struct {
	h timeHeap
}

func newTimeQueue() *timeQueue {
	return &timeQueue{}
}

func (q *timeQueue) insert(due time.Time, payload interface{}) {
	heap.Push(&q.h, &timeItem{due: due, payload: payload})
}

func (q *timeQueue) len() int {
	return len(q.h)
}

// pop drains every item whose due time is <= now. If none are due but the
// queue is non-empty, it reports popSleep and the wait until the earliest
// item's due time. If the queue is empty, it reports popEmpty.
func (q *timeQueue) pop(now time.Time) (outcome popOutcome, items []interface{}, wait time.Duration) {
	if len(q.h) == 0 {
		return popEmpty, nil, 0
	}

	if q.h[0].due.After(now) {
		return popSleep, nil, q.h[0].due.Sub(now)
	}

	for len(q.h) > 0 && !q.h[0].due.After(now) {
		it := heap.Pop(&q.h).(*timeItem)
		items = append(items, it.payload)
	}
	return popItems, items, 0
}
