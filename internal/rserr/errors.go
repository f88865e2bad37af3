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

// Package rserr collects the sentinel error values that make up the range
// server's error taxonomy (see spec §7). Components wrap these with
// fmt.Errorf("...: %w", rserr.X) and callers unwrap with errors.Is.
package rserr

import "errors"

// Framing/format errors (§7 "Framing/format").
var (
	ErrBadMagic         = errors.New("bad magic")
	ErrBadHeader        = errors.New("bad header")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrInflate          = errors.New("inflate error")
	ErrUnsupportedType  = errors.New("unsupported compression type")
	ErrCorruptCellStore = errors.New("corrupt cell store")
	ErrCorruptCommitLog = errors.New("corrupt commit log")
)

// I/O errors (§7 "I/O").
var (
	ErrDFSIOError           = errors.New("dfs i/o error")
	ErrBrokenConnection     = errors.New("broken connection")
	ErrNotConnected         = errors.New("not connected")
	ErrTimeout              = errors.New("deadline exceeded")
)

// Semantic errors (§7 "Semantic").
var (
	ErrTableNotFound            = errors.New("table not found")
	ErrRangeNotFound             = errors.New("range not found")
	ErrRangeAlreadyLoaded         = errors.New("range already loaded")
	ErrNamespaceDoesNotExist      = errors.New("namespace does not exist")
	ErrNameAlreadyInUse           = errors.New("name already in use")
	ErrPhantomRangeMapNotFound    = errors.New("phantom range map not found")
	ErrCompactionInProgress       = errors.New("compaction already in progress")
	ErrFragmentOutOfOrder         = errors.New("fragment block out of order")
	ErrFragmentComplete           = errors.New("fragment already complete")
	ErrUnassignedFragment         = errors.New("fragment not assigned to this phantom range")
	ErrNoActiveServers            = errors.New("no active servers to plan recovery onto")
	ErrInvalidRangeClass          = errors.New("invalid range class")
	ErrRecoveryPlanNotFound       = errors.New("recovery plan not found")
	ErrRangeNotInPlan             = errors.New("range not in recovery plan")
	ErrFragmentNotInPlan          = errors.New("fragment not in recovery plan")
	ErrMoveNotFound               = errors.New("move not found")
	ErrQuorumNotMet               = errors.New("connected servers below quorum")
	ErrRecoveryGenerationChanged  = errors.New("recovery plan generation changed")
)

// Invariant violations (§7 "Invariant") are programmer errors: callers
// should treat these as fatal rather than attempt to continue past a
// detected on-disk or in-memory inconsistency.
var (
	ErrInvariantViolation = errors.New("invariant violation")
)
