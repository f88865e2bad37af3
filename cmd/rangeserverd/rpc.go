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

package main

import (
	"errors"
	"log"
	"net"

	"github.com/hypertable/rangeserver/internal/rangeserver"
	"github.com/hypertable/rangeserver/internal/recoveryparticipant"
)

// rpcServer binds the RangeServer RPC surface spec §6 enumerates
// (load_range, update, create_scanner, fetch_scanblock, destroy_scanner,
// compact, status, shutdown, dump, dump_pseudo_table, drop_table,
// drop_range, get_statistics, update_schema, commit_log_sync,
// wait_for_maintenance, acknowledge_load, relinquish_range, heapcheck,
// replay_fragments, phantom_load, phantom_update, phantom_prepare_ranges,
// phantom_commit_ranges, set_state, table_maintenance_enable,
// table_maintenance_disable) to the operation names *rangeserver.Server and
// *recoveryparticipant.Participant already expose. Wire framing on top of
// net.Conn is out of scope (spec §1 scopes transport out the same way
// internal/recoveryop.Dispatcher defers cross-server RPC); this accepts
// connections so the listen socket a deployment config names is live, and
// closes each one immediately rather than pretending to speak a protocol
// nothing in this repo specifies.
type rpcServer struct {
	server      *rangeserver.Server
	participant *recoveryparticipant.Participant
	logger      *log.Logger
}

func (s *rpcServer) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.logger.Printf("rpc: accepted connection from %s (no wire codec wired, closing)", conn.RemoteAddr())
		conn.Close()
	}
}
