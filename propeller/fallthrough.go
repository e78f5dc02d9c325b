// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package propeller

import (
	"bufio"
	"fmt"
	"slices"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/denik82/autofdo/symtab"
)

// maxFallthroughBBs caps the number of blocks reconstructed between two
// fallthrough endpoints; longer paths indicate corrupt input.
const maxFallthroughBBs = 200

// writeFallthroughs resolves the raw fallthrough counters, expands each
// symbolic pair into the blocks executed between its endpoints and writes
// the Fallthroughs section ordered by (from, to) ordinals.
func (w *Writer) writeFallthroughs(bw *bufio.Writer) {
	for _, pid := range sortedPIDs(w.fallthroughCounters) {
		for edge, cnt := range w.fallthroughCounters[pid] {
			fromID := w.findSymbolAt(pid, edge.from)
			toID := w.findSymbolAt(pid, edge.to)
			if fromID != symtab.NoSymbol && toID != symtab.NoSymbol {
				w.fallthroughSum[symEdge{fromID, toID}] += cnt
			}
		}
	}

	fmt.Fprintln(bw, "Fallthroughs")
	edges := make([]symEdge, 0, len(w.fallthroughSum))
	for edge := range w.fallthroughSum {
		edges = append(edges, edge)
	}
	slices.SortFunc(edges, func(a, b symEdge) int {
		if d := w.ordinalOf(a.from) - w.ordinalOf(b.from); d != 0 {
			return int(d)
		}
		return int(w.ordinalOf(a.to) - w.ordinalOf(b.to))
	})
	for _, edge := range edges {
		cnt := w.fallthroughSum[edge]
		if edge.from != edge.to {
			if path, ok := w.fallthroughPath(edge.from, edge.to); ok {
				w.totalCounters += uint64(len(path)+1) * cnt
				for _, id := range path {
					if w.markHot(id) {
						w.extraBBsInFallthroughs++
					}
				}
			}
		}
		fmt.Fprintf(bw, "%d %d %d\n", w.ordinalOf(edge.from), w.ordinalOf(edge.to), cnt)
		w.fallthroughsWritten++
	}
}

// fallthroughPath reconstructs the basic blocks strictly between two
// fallthrough endpoints by walking the address buckets of their function.
// The endpoints themselves are excluded. ok is false when the pair cannot
// be expanded; the edge is still emitted by the caller.
func (w *Writer) fallthroughPath(fromID, toID symtab.SymbolID) (path []symtab.SymbolID, ok bool) {
	from, to := w.table.Sym(fromID), w.table.Sym(toID)
	if from.Addr > to.Addr {
		log.Warnf("Fallthrough path start 0x%x is beyond end 0x%x.", from.Addr, to.Addr)
		return nil, false
	}
	if from.ContainingFunc != to.ContainingFunc {
		log.Warnf("Fallthrough (%s@0x%x -> %s@0x%x) does not start and end "+
			"within the same function.", from.Name, from.Addr, to.Name, to.Addr)
		return nil, false
	}

	addrs := w.table.Addrs()
	start, startOK := findAddr(addrs, from.Addr)
	end, endOK := findAddr(addrs, to.Addr)
	if !startOK || !endOK {
		log.Warnf("Invalid symbol in fallthrough pair (0x%x -> 0x%x).", from.Addr, to.Addr)
		return nil, false
	}

	funcID := from.ContainingFunc
	for i := start + 1; i < end; i++ {
		found := symtab.NoSymbol
		for _, id := range w.table.Bucket(addrs[i]) {
			s := w.table.Sym(id)
			if !s.BB || s.ContainingFunc != funcID {
				continue
			}
			if found != symtab.NoSymbol {
				log.Warnf("Fallthrough (0x%x -> 0x%x) contains ambiguous "+
					"blocks at 0x%x.", from.Addr, to.Addr, addrs[i])
			}
			// Ambiguous blocks are all kept on the path.
			path = append(path, id)
			found = id
		}
		if found == symtab.NoSymbol {
			log.Warnf("Failed to find a BB at 0x%x for fallthrough (0x%x -> 0x%x).",
				addrs[i], from.Addr, to.Addr)
			return nil, false
		}
		if len(path) > maxFallthroughBBs {
			log.Warnf("Too many BBs along fallthrough (0x%x -> 0x%x), "+
				"probably corrupt input.", from.Addr, to.Addr)
			return nil, false
		}
	}
	return path, true
}

// findAddr locates addr in the ascending bucket address list.
func findAddr(addrs []uint64, addr uint64) (int, bool) {
	i := sort.Search(len(addrs), func(i int) bool { return addrs[i] >= addr })
	if i < len(addrs) && addrs[i] == addr {
		return i, true
	}
	return 0, false
}
