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

import "math"

// idealConnectionCount computes how many connections a site should hold
// open given its current ready-buffer backlog and connection limit. The
// curve is concave: it climbs fast from zero so a short queue gets a few
// connections, then flattens as it approaches the limit; with the 0.023
// factor a backlog of a few hundred messages already yields the full limit.
func idealConnectionCount(queueSize, connectionLimit int) int {
	const factor = 0.023
	goal := float64(connectionLimit) * (1 - math.Exp(-1.0*float64(queueSize)*factor))
	return int(math.Ceil(goal))
}
