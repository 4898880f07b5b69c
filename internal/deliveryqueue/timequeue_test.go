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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeQueueEmpty(t *testing.T) {
	q := newTimeQueue()
	outcome, items, _ := q.pop(time.Now())
	require.Equal(t, popEmpty, outcome)
	require.Nil(t, items)
}

func TestTimeQueueSleep(t *testing.T) {
	q := newTimeQueue()
	now := time.Now()
	q.insert(now.Add(time.Hour), "later")

	outcome, items, wait := q.pop(now)
	require.Equal(t, popSleep, outcome)
	require.Nil(t, items)
	require.InDelta(t, time.Hour.Seconds(), wait.Seconds(), 1)
}

func TestTimeQueueOrdering(t *testing.T) {
	q := newTimeQueue()
	now := time.Now()
	q.insert(now.Add(3*time.Second), "third")
	q.insert(now.Add(1*time.Second), "first")
	q.insert(now.Add(2*time.Second), "second")

	outcome, items, _ := q.pop(now.Add(10 * time.Second))
	require.Equal(t, popItems, outcome)
	require.Equal(t, []interface{}{"first", "second", "third"}, items)
	require.Equal(t, 0, q.len())
}

func TestTimeQueuePartialDue(t *testing.T) {
	q := newTimeQueue()
	now := time.Now()
	q.insert(now.Add(1*time.Second), "due")
	q.insert(now.Add(time.Hour), "not due")

	outcome, items, _ := q.pop(now.Add(2 * time.Second))
	require.Equal(t, popItems, outcome)
	require.Equal(t, []interface{}{"due"}, items)
	require.Equal(t, 1, q.len())
}
