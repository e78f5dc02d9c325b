// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package propeller

import (
	"github.com/denik82/autofdo/perfdata"
	"github.com/denik82/autofdo/procmap"
)

// rawEdge is an unresolved (from, to) address pair.
type rawEdge struct {
	from uint64
	to   uint64
}

// AggregateSample folds one branch stack into the raw per-process counters.
// branches is ordered newest first, as delivered by the hardware; the walk
// runs oldest first so that consecutive entries yield the fallthrough
// stretch executed between two branches. Samples of processes without a
// recorded mmap of the binary are ignored.
func (w *Writer) AggregateSample(pid uint32, branches []perfdata.Branch) {
	pid = w.maps.NormalizePID(pid)
	if len(branches) == 0 || !w.maps.Has(pid) {
		return
	}
	w.lbrEntries += uint64(len(branches))

	bc := w.branchCounters[pid]
	if bc == nil {
		bc = make(map[rawEdge]uint64)
		w.branchCounters[pid] = bc
	}
	fc := w.fallthroughCounters[pid]
	if fc == nil {
		fc = make(map[rawEdge]uint64)
		w.fallthroughCounters[pid] = fc
	}

	lastFrom := uint64(procmap.InvalidAddress)
	lastTo := uint64(procmap.InvalidAddress)
	for i := len(branches) - 1; i >= 0; i-- {
		from, to := branches[i].From, branches[i].To
		// The newest slot is commonly duplicated by the hardware.
		if i == 0 && from == lastFrom && to == lastTo {
			continue
		}
		bc[rawEdge{from, to}]++
		if lastTo != procmap.InvalidAddress && lastTo <= from {
			fc[rawEdge{lastTo, from}]++
		}
		lastFrom, lastTo = from, to
	}
}
