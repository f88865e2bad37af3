// Copyright (C) 2024 Hypertable Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package rangeserver

// HealthLevel is the `status` RPC's coarse health verdict (spec §7
// "User-visible"; supplemented feature, grounded on the teacher's
// `handler_version.go` simple-status-payload pattern).
type HealthLevel string

const (
	HealthOK       HealthLevel = "OK"
	HealthWarning  HealthLevel = "WARNING"
	HealthCritical HealthLevel = "CRITICAL"
)

// Status is the `status` RPC's response payload.
type Status struct {
	Level      HealthLevel `json:"level"`
	Detail     string      `json:"detail,omitempty"`
	Location   string      `json:"location"`
	RangeCount int         `json:"range_count"`
}

// Status implements the `status` RPC (spec §6). A server is WARNING once
// any loaded range's access group has accumulated clock-skew errors, and
// OK otherwise. Status never reports CRITICAL, including when no ranges
// are loaded.
func (s *Server) Status() Status {
	s.mu.RLock()
	ranges := make([]*Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		ranges = append(ranges, r)
	}
	s.mu.RUnlock()

	st := Status{Level: HealthOK, Location: s.Location, RangeCount: len(ranges)}
	for _, r := range ranges {
		for name, g := range r.AccessGroups() {
			if stats := g.Stats(); stats.ClockSkewErrors > 0 {
				st.Level = HealthWarning
				st.Detail = "access group " + name + " of range " + r.Spec.String() + " has observed clock-skew writes"
			}
		}
	}
	return st
}
