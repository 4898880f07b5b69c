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

import "strings"

// factorNames produces a compact pseudo-regex alternation of a list of MX
// hostnames, factoring out the common labels so that e.g. mta5/mta6/mta7.
// am0.yahoodns.net collapses to "(mta5|mta6|mta7).am0.yahoodns.net". This
// string is the site key: every domain whose MX records resolve to the same
// factored name shares one DestinationSite and its connection pool.
func factorNames(names []string) string {
	var maxElements int
	var splitNames [][]string

	for _, name := range names {
		fields := strings.Split(strings.ToLower(name), ".")
		reverse(fields)
		if len(fields) > maxElements {
			maxElements = len(fields)
		}
		splitNames = append(splitNames, fields)
	}

	var elements [][]string
	addElement := func(field string, i int) {
		for len(elements) <= i {
			elements = append(elements, nil)
		}
		if !contains(elements[i], field) {
			elements[i] = append(elements[i], field)
		}
	}

	for _, fields := range splitNames {
		for i, field := range fields {
			addElement(field, i)
		}
		for i := len(fields); i < maxElements; i++ {
			addElement("?", i)
		}
	}

	result := make([]string, 0, len(elements))
	for _, ele := range elements {
		hasQ := contains(ele, "?")
		filtered := ele[:0:0]
		for _, e := range ele {
			if e != "?" {
				filtered = append(filtered, e)
			}
		}

		var item string
		if len(filtered) == 1 {
			item = filtered[0]
		} else {
			item = "(" + strings.Join(filtered, "|") + ")"
		}
		if hasQ {
			item += "?"
		}
		result = append(result, item)
	}
	reverse(result)

	return strings.Join(result, ".")
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func reverse(ss []string) {
	for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
		ss[i], ss[j] = ss[j], ss[i]
	}
}
