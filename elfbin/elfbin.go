// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfbin loads the profiled executable: its text symbols, its
// executable load segments and its GNU build ID.
package elfbin

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/denik82/autofdo/procmap"
)

// File is an open executable image.
type File struct {
	path string
	ef   *elf.File

	// IsPIE is set for ET_DYN images, whose sampled addresses need
	// load-bias adjustment.
	IsPIE bool
}

// Open maps the executable at path.
func Open(path string) (*File, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("not a valid ELF file %q: %w", path, err)
	}
	return &File{
		path:  path,
		ef:    ef,
		IsPIE: ef.Type == elf.ET_DYN,
	}, nil
}

// Close releases the underlying image.
func (f *File) Close() error {
	return f.ef.Close()
}

// Path returns the path the file was opened from.
func (f *File) Path() string {
	return f.path
}

// VisitSymbols iterates the symbol table, reporting for each entry whether
// it has function type and whether it is defined in an executable section.
func (f *File) VisitSymbols(visit func(name string, addr, size uint64, isFunc, inText bool)) error {
	syms, err := f.ef.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return fmt.Errorf("no symbol table in %q: %w", f.path, err)
		}
		return fmt.Errorf("reading symbols of %q: %w", f.path, err)
	}
	for _, sym := range syms {
		isFunc := elf.ST_TYPE(sym.Info) == elf.STT_FUNC
		inText := false
		if idx := int(sym.Section); idx >= 0 && idx < len(f.ef.Sections) &&
			sym.Section != elf.SHN_UNDEF {
			inText = f.ef.Sections[idx].Flags&elf.SHF_EXECINSTR != 0
		}
		visit(sym.Name, sym.Value, sym.Size, isFunc, inText)
	}
	return nil
}

// ExecSegments returns the executable PT_LOAD program headers.
func (f *File) ExecSegments() []procmap.Segment {
	var segs []procmap.Segment
	for _, prog := range f.ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			segs = append(segs, procmap.Segment{Vaddr: prog.Vaddr, Memsz: prog.Memsz})
		}
	}
	return segs
}
