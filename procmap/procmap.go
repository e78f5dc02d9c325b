// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// Package procmap tracks where the profiled executable was mapped in each
// process and translates sampled runtime addresses back to link-time virtual
// addresses for position-independent executables.
package procmap

import (
	"fmt"
	"slices"
	"strings"
)

// InvalidAddress is returned by Adjust when no mapping covers the address.
const InvalidAddress = ^uint64(0)

// Segment is one executable PT_LOAD program header.
type Segment struct {
	Vaddr uint64
	Memsz uint64
}

// Entry is one observed mmap of the executable.
type Entry struct {
	LoadAddr   uint64
	LoadSize   uint64
	PageOffset uint64
}

// End returns the first address past the mapping.
func (e Entry) End() uint64 {
	return e.LoadAddr + e.LoadSize
}

func (e Entry) String() string {
	return fmt.Sprintf("[0x%x, 0x%x] (pgoff=0x%x, size=0x%x)",
		e.LoadAddr, e.End(), e.PageOffset, e.LoadSize)
}

// Registry holds the executable's load segments and the per-process mmap
// entries collected from the traces. Mappings of a non-PIE executable are
// identical across processes and are pooled under PID 0.
type Registry struct {
	pie        bool
	firstVaddr uint64
	segments   map[uint64]uint64
	byPID      map[uint32][]Entry
}

// NewRegistry builds a registry for a binary. segs are the executable
// PT_LOAD segments and must be non-empty for a PIE binary; duplicated vaddrs
// have to agree on their memsz.
func NewRegistry(pie bool, segs []Segment) (*Registry, error) {
	r := &Registry{
		pie:      pie,
		segments: make(map[uint64]uint64),
		byPID:    make(map[uint32][]Entry),
	}
	if !pie {
		return r, nil
	}
	for _, seg := range segs {
		if memsz, ok := r.segments[seg.Vaddr]; ok {
			if memsz != seg.Memsz {
				return nil, fmt.Errorf("invalid program header: "+
					"vaddr 0x%x with conflicting sizes 0x%x and 0x%x",
					seg.Vaddr, memsz, seg.Memsz)
			}
			continue
		}
		r.segments[seg.Vaddr] = seg.Memsz
	}
	if len(r.segments) == 0 {
		return nil, fmt.Errorf("no loadable and executable segments found in binary")
	}
	r.firstVaddr = InvalidAddress
	for vaddr := range r.segments {
		r.firstVaddr = min(r.firstVaddr, vaddr)
	}
	return r, nil
}

// PIE reports whether the registry serves a position-independent executable.
func (r *Registry) PIE() bool {
	return r.pie
}

// NormalizePID maps pid to the registry key: the real PID for PIE binaries,
// 0 otherwise.
func (r *Registry) NormalizePID(pid uint32) uint32 {
	if !r.pie {
		return 0
	}
	return pid
}

// Record adds an observed mmap. Identical entries merge; an entry
// overlapping an existing one within the same process is a conflict.
func (r *Registry) Record(pid uint32, e Entry) error {
	pid = r.NormalizePID(pid)
	entries := r.byPID[pid]
	for _, have := range entries {
		if have == e {
			return nil
		}
		if e.LoadAddr < have.End() && have.LoadAddr < e.End() {
			var sb strings.Builder
			fmt.Fprintf(&sb, "conflicting mmap %v for pid %d, existing entries:", e, pid)
			for _, existing := range entries {
				fmt.Fprintf(&sb, "\n\t%v", existing)
			}
			return fmt.Errorf("%s", sb.String())
		}
	}
	r.byPID[pid] = append(entries, e)
	return nil
}

// Has reports whether any mmap was recorded for pid.
func (r *Registry) Has(pid uint32) bool {
	return len(r.byPID[r.NormalizePID(pid)]) > 0
}

// Total returns the number of recorded mmap entries across all processes.
func (r *Registry) Total() int {
	n := 0
	for _, entries := range r.byPID {
		n += len(entries)
	}
	return n
}

// PIDs returns the processes with recorded mmaps in ascending order.
func (r *Registry) PIDs() []uint32 {
	pids := make([]uint32, 0, len(r.byPID))
	for pid := range r.byPID {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Entries returns the mmap entries recorded for pid.
func (r *Registry) Entries(pid uint32) []Entry {
	return r.byPID[r.NormalizePID(pid)]
}

// Adjust translates a sampled runtime address to the link-time virtual
// address. The address must be covered by a recorded mmap of the process;
// InvalidAddress otherwise. Non-PIE binaries need no translation. For PIE,
// the runtime address is first turned into a file offset via the mmap and
// then rebased on the lowest executable load segment.
func (r *Registry) Adjust(pid uint32, addr uint64) uint64 {
	for _, e := range r.byPID[r.NormalizePID(pid)] {
		if addr < e.LoadAddr || addr >= e.End() {
			continue
		}
		if !r.pie {
			return addr
		}
		return addr - e.LoadAddr + e.PageOffset - r.firstVaddr
	}
	return InvalidAddress
}
