// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package propeller

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/zeebo/xxh3"

	"github.com/denik82/autofdo/procmap"
	"github.com/denik82/autofdo/symtab"
)

// BranchKind classifies a symbolic branch edge.
type BranchKind uint8

const (
	BranchPlain BranchKind = iota
	BranchCall
	BranchReturn
)

// suffix is the rendering of the kind on a branch line; plain is elided.
func (k BranchKind) suffix() string {
	switch k {
	case BranchCall:
		return " C"
	case BranchReturn:
		return " R"
	default:
		return ""
	}
}

// symEdge is a resolved (from, to) symbol pair.
type symEdge struct {
	from symtab.SymbolID
	to   symtab.SymbolID
}

// branchKey identifies one emitted branch edge.
type branchKey struct {
	from symtab.SymbolID
	to   symtab.SymbolID
	kind BranchKind
}

// resolveKey caches one (pid, raw address) resolution.
type resolveKey struct {
	pid  uint32
	addr uint64
}

func hashResolveKey(k resolveKey) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], k.pid)
	binary.LittleEndian.PutUint64(b[4:12], k.addr)
	return uint32(xxh3.Hash(b[:]))
}

// findSymbolAt resolves a sampled address to the smallest covering symbol,
// going through the per-process mmap adjustment. Misses are cached too.
func (w *Writer) findSymbolAt(pid uint32, addr uint64) symtab.SymbolID {
	key := resolveKey{pid: w.maps.NormalizePID(pid), addr: addr}
	if id, ok := w.resolve.Get(key); ok {
		return id
	}
	id := symtab.NoSymbol
	if adjusted := w.maps.Adjust(pid, addr); adjusted != procmap.InvalidAddress {
		id = w.table.Lookup(adjusted)
	}
	w.resolve.Add(key, id)
	return id
}

// markHot flags a symbol as referenced by the profile. Reports whether the
// symbol was newly marked.
func (w *Writer) markHot(id symtab.SymbolID) bool {
	if id == symtab.NoSymbol {
		return false
	}
	s := w.table.Sym(id)
	if s.ContainingFunc == symtab.NoSymbol ||
		w.table.Sym(s.ContainingFunc).Name == "" {
		return false
	}
	if s.Hot {
		return false
	}
	s.Hot = true
	return true
}

// writeBranches resolves the raw branch counters to symbols, classifies each
// edge and writes the Branches section ordered by (from, to, kind) ordinals.
func (w *Writer) writeBranches(bw *bufio.Writer) {
	fmt.Fprintln(bw, "Branches")
	for _, pid := range sortedPIDs(w.branchCounters) {
		for edge, cnt := range w.branchCounters[pid] {
			w.addBranch(pid, edge, cnt)
		}
	}

	keys := make([]branchKey, 0, len(w.branchSum))
	for key := range w.branchSum {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b branchKey) int {
		if d := w.ordinalOf(a.from) - w.ordinalOf(b.from); d != 0 {
			return int(d)
		}
		if d := w.ordinalOf(a.to) - w.ordinalOf(b.to); d != 0 {
			return int(d)
		}
		return int(a.kind) - int(b.kind)
	})
	for _, key := range keys {
		fmt.Fprintf(bw, "%d %d %d%s\n",
			w.ordinalOf(key.from), w.ordinalOf(key.to),
			w.branchSum[key], key.kind.suffix())
		w.branchesWritten++
	}
}

func (w *Writer) ordinalOf(id symtab.SymbolID) int64 {
	return int64(w.table.Sym(id).Ordinal)
}

// addBranch symbolizes one raw branch edge and folds it into the branch
// summation.
func (w *Writer) addBranch(pid uint32, edge rawEdge, cnt uint64) {
	fromID := w.findSymbolAt(pid, edge.from)
	toID := w.findSymbolAt(pid, edge.to)
	adjustedTo := w.maps.Adjust(pid, edge.to)

	w.markHot(fromID)
	w.markHot(toID)

	w.totalCounters += cnt
	if fromID == symtab.NoSymbol || toID == symtab.NoSymbol {
		w.countersNotAddressed += cnt
		return
	}
	from, to := w.table.Sym(fromID), w.table.Sym(toID)
	if from.ContainingFunc != to.ContainingFunc {
		w.crossFunctionCounters += cnt
	}

	// A return jumping to the start of a basic block that is not the
	// function entry landed right after a call: re-attribute the edge to
	// the call-site block and account the stretch from the call site to
	// the target block as a fallthrough.
	if to.BB &&
		w.table.Sym(from.ContainingFunc).Addr != w.table.Sym(to.ContainingFunc).Addr &&
		w.table.Sym(to.ContainingFunc).Addr != adjustedTo &&
		adjustedTo == to.Addr {
		if callSiteID := w.findSymbolAt(pid, edge.to-1); callSiteID != symtab.NoSymbol {
			callSite := w.table.Sym(callSiteID)
			if callSite.BB && callSite.ContainingFunc == to.ContainingFunc {
				w.fallthroughSum[symEdge{callSiteID, toID}] += cnt
				toID, to = callSiteID, callSite
			}
		}
	}

	kind := BranchPlain
	toFunc := w.table.Sym(to.ContainingFunc)
	switch {
	case (to.BB && toFunc.Addr == adjustedTo) || (!to.BB && to.Addr == adjustedTo):
		kind = BranchCall
	case adjustedTo > to.Addr:
		// Transfer into the middle of a block, usually a return.
		kind = BranchReturn
	}
	w.branchSum[branchKey{from: fromID, to: toID, kind: kind}] += cnt
}

// sortedPIDs returns the keys of a per-process counter map in ascending
// order so summation visits processes deterministically.
func sortedPIDs(m map[uint32]map[rawEdge]uint64) []uint32 {
	pids := make([]uint32, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}
