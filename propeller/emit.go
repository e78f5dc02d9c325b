// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package propeller

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/denik82/autofdo/symtab"
)

// WriteTo emits the complete profile: binary names, the symbol table with
// ordinals, branch and fallthrough edges and the hot symbol list.
func (w *Writer) WriteTo(out io.Writer) error {
	bw := bufio.NewWriter(out)
	w.writeOuts(bw)
	w.writeSymbols(bw)
	w.writeBranches(bw)
	w.writeFallthroughs(bw)
	w.writeHotList(bw)
	return bw.Flush()
}

// writeOuts lists the plausible basenames of the profiled binary.
func (w *Writer) writeOuts(bw *bufio.Writer) {
	var names []string
	for _, path := range []string{w.opts.MatchMMapFile, w.binaryMMapName, w.opts.BinaryPath} {
		if path == "" {
			continue
		}
		if name := filepath.Base(path); !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(bw, "@%s\n", name)
	}
}

// writeSymbols emits every retained symbol in ascending address order,
// assigning ordinals as written. Within one address bucket functions are
// written before their starting blocks so a block always refers back to a
// lower ordinal.
func (w *Writer) writeSymbols(bw *bufio.Writer) {
	fmt.Fprintln(bw, "Symbols")
	ordinal := uint64(0)
	w.emitOrder = w.emitOrder[:0]
	for _, addr := range w.table.Addrs() {
		bucket := slices.Clone(w.table.Bucket(addr))
		if len(bucket) > 1 {
			slices.SortFunc(bucket, func(a, b symtab.SymbolID) int {
				sa, sb := w.table.Sym(a), w.table.Sym(b)
				if sa.BB != sb.BB {
					if sa.BB {
						return 1
					}
					return -1
				}
				return strings.Compare(sa.Name, sb.Name)
			})
		}
		// The whole bucket gets its ordinals before any line is
		// written: a block at the function start address must name its
		// function's ordinal on its own line.
		for _, id := range bucket {
			ordinal++
			w.table.Sym(id).Ordinal = ordinal
		}
		for _, id := range bucket {
			s := w.table.Sym(id)
			w.symbolsWritten++
			w.emitOrder = append(w.emitOrder, id)
			if s.BB {
				funcOrdinal := w.table.Sym(s.ContainingFunc).Ordinal
				fmt.Fprintf(bw, "%d %x %d.%d\n", s.Ordinal, s.Size, funcOrdinal, s.BBIndex())
				w.funcBBCount[funcOrdinal]++
			} else {
				fmt.Fprintf(bw, "%d %x N%s\n", s.Ordinal, s.Size, symNames(s))
			}
		}
	}
}

// symNames renders a function's name and aliases joined by "/". Any BB-form
// name is simplified to its index length plus suffix.
func symNames(s *symtab.Symbol) string {
	if len(s.Aliases) == 0 {
		return symtab.SimplifyName(s.Name)
	}
	parts := make([]string, len(s.Aliases))
	for i, alias := range s.Aliases {
		parts[i] = symtab.SimplifyName(alias)
	}
	return strings.Join(parts, "/")
}

// writeHotList emits the hot functions and blocks in ordinal order: one
// "!<func>" line per function followed by "!!<bb index>" per hot block.
func (w *Writer) writeHotList(bw *bufio.Writer) {
	lastFunc := symtab.NoSymbol
	for _, id := range w.emitOrder {
		s := w.table.Sym(id)
		if !s.Hot {
			continue
		}
		if s.BB {
			if s.ContainingFunc != lastFunc {
				fmt.Fprintf(bw, "!%s\n", symNames(w.table.Sym(s.ContainingFunc)))
				lastFunc = s.ContainingFunc
			}
			fmt.Fprintf(bw, "!!%d\n", s.BBIndex())
		} else {
			fmt.Fprintf(bw, "!%s\n", symNames(s))
			lastFunc = id
		}
	}
}
