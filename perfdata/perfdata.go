// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfdata reads perf.data traces: the header build-id table, the
// MMAP events describing where binaries were loaded, and the LBR branch
// stacks attached to samples.
package perfdata

import (
	"fmt"

	"github.com/aclements/go-perf/perffile"
)

// Trace is an open perf.data file.
type Trace struct {
	Path string
	f    *perffile.File
}

// Open opens the trace at path.
func Open(path string) (*Trace, error) {
	f, err := perffile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read perf data file %q: %w", path, err)
	}
	return &Trace{Path: path, f: f}, nil
}

// Close releases the trace.
func (t *Trace) Close() error {
	return t.f.Close()
}

// BuildID pairs a file name from the trace header with its build-id hash in
// lowercase hex.
type BuildID struct {
	Filename string
	Hash     string
}

// BuildIDs returns the build-id table recorded in the trace header.
func (t *Trace) BuildIDs() []BuildID {
	ids := make([]BuildID, 0, len(t.f.Meta.BuildIDs))
	for _, info := range t.f.Meta.BuildIDs {
		ids = append(ids, BuildID{
			Filename: info.Filename,
			Hash:     info.BuildID.String(),
		})
	}
	return ids
}

// MMap is one MMAP event.
type MMap struct {
	PID        uint32
	Addr       uint64
	Len        uint64
	PageOffset uint64
	Filename   string
}

// Branch is one LBR entry. From is the branch instruction, To its target.
type Branch struct {
	From uint64
	To   uint64
}

// Sample is one sample event carrying a branch stack, newest entry first.
type Sample struct {
	PID      uint32
	Branches []Branch
}

// MMaps streams the trace's MMAP events in file order.
func (t *Trace) MMaps(visit func(MMap)) error {
	rs := t.f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		r, ok := rs.Record.(*perffile.RecordMmap)
		if !ok {
			continue
		}
		visit(MMap{
			PID:        uint32(r.PID),
			Addr:       r.Addr,
			Len:        r.Len,
			PageOffset: r.FileOffset,
			Filename:   r.Filename,
		})
	}
	return rs.Err()
}

// Samples streams the trace's branch-stack samples in file order. Samples
// without a branch stack are skipped.
func (t *Trace) Samples(visit func(Sample)) error {
	rs := t.f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		r, ok := rs.Record.(*perffile.RecordSample)
		if !ok || len(r.BranchStack) == 0 {
			continue
		}
		branches := make([]Branch, len(r.BranchStack))
		for i, b := range r.BranchStack {
			branches[i] = Branch{From: b.From, To: b.To}
		}
		visit(Sample{PID: uint32(r.PID), Branches: branches})
	}
	return rs.Err()
}
