// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package propeller

import (
	"fmt"
	"strconv"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/denik82/autofdo/symtab"
)

// summarize reports how much of the sampled data made it into the profile.
func (w *Writer) summarize() {
	log.Infof("Wrote propeller profile (%d file(s), %s syms, %s branches, "+
		"%s fallthroughs) to %s",
		w.tracesParsed, comma(w.symbolsWritten), comma(w.branchesWritten),
		comma(w.fallthroughsWritten), w.opts.OutputPath)
	log.Infof("%s of %s branch entries are not mapped (%s).",
		comma(w.countersNotAddressed), comma(w.totalCounters),
		percentage(w.countersNotAddressed, w.totalCounters))
	log.Infof("%s of %s branch entries are cross function (%s).",
		comma(w.crossFunctionCounters), comma(w.totalCounters),
		percentage(w.crossFunctionCounters, w.totalCounters))

	hotFuncs := make(map[uint64]bool)
	var hotFuncOrder []symtab.SymbolID
	var bbsWithinHotFuncs, bbsWithProf uint64
	for _, id := range w.emitOrder {
		s := w.table.Sym(id)
		if !s.Hot {
			continue
		}
		cf := w.table.Sym(s.ContainingFunc)
		if !hotFuncs[cf.Ordinal] {
			hotFuncs[cf.Ordinal] = true
			hotFuncOrder = append(hotFuncOrder, s.ContainingFunc)
			bbsWithinHotFuncs += w.funcBBCount[cf.Ordinal]
		}
		if s.BB {
			bbsWithProf++
		}
	}

	totalFuncs, totalBBs := w.table.Counts()
	avgBBs := uint64(0)
	if totalFuncs > 0 {
		avgBBs = totalBBs / totalFuncs
	}
	log.Infof("%s functions, %s functions with prof (%s), %s BBs "+
		"(average %d BBs per func), %s BBs within hot funcs (%s), "+
		"%s BBs with prof (include %s BBs that are on the path of "+
		"fallthroughs, total accounted for %s of all BBs).",
		comma(totalFuncs), comma(uint64(len(hotFuncs))),
		percentage(uint64(len(hotFuncs)), totalFuncs),
		comma(totalBBs), avgBBs,
		comma(bbsWithinHotFuncs), percentage(bbsWithinHotFuncs, totalBBs),
		comma(bbsWithProf), comma(w.extraBBsInFallthroughs),
		percentage(bbsWithProf, totalBBs))

	if log.IsLevelEnabled(log.DebugLevel) {
		for _, id := range hotFuncOrder {
			log.Debugf("hot function: %s", demangle.Filter(w.table.Sym(id).Name))
		}
	}
}

// comma renders v with thousands separators.
func comma(v uint64) string {
	s := strconv.FormatUint(v, 10)
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}

// percentage renders a/b with three significant digits.
func percentage(a, b uint64) string {
	if b == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.3g%%", 100*float64(a)/float64(b))
}
