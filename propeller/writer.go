// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// Package propeller converts LBR branch-sampling traces into a symbolic
// per-basic-block profile for feedback-directed block layout. It aggregates
// branch stacks into branch and fallthrough edge counters, resolves them
// against the symbol index of the profiled executable and writes the
// textual propeller profile.
package propeller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"github.com/denik82/autofdo/elfbin"
	"github.com/denik82/autofdo/perfdata"
	"github.com/denik82/autofdo/procmap"
	"github.com/denik82/autofdo/symtab"
)

// minLBREntries is the least number of branch-stack entries, summed over all
// traces, that makes a usable profile.
const minLBREntries = 100

// resolveCacheSize bounds the (pid, address) resolution cache.
const resolveCacheSize = 65536

// Options configures a profile-writing run.
type Options struct {
	BinaryPath string
	TracePaths []string
	OutputPath string

	// MatchMMapFile overrides the path used to match mmap events; the
	// observed mmap name or BinaryPath is used when empty.
	MatchMMapFile string

	// IgnoreBuildID skips build-id matching and accepts every mmap of
	// the configured filename.
	IgnoreBuildID bool
}

// Writer accumulates counters from traces and emits the profile.
type Writer struct {
	opts  Options
	table *symtab.Table
	maps  *procmap.Registry

	// buildID is the binary's normalized build ID, empty when absent or
	// ignored. binaryMMapName is the trace file name matched to it.
	buildID        string
	binaryMMapName string

	branchCounters      map[uint32]map[rawEdge]uint64
	fallthroughCounters map[uint32]map[rawEdge]uint64
	lbrEntries          uint64
	tracesParsed        int

	resolve *freelru.LRU[resolveKey, symtab.SymbolID]

	branchSum      map[branchKey]uint64
	fallthroughSum map[symEdge]uint64

	// emitOrder lists all retained symbols in ordinal order once the
	// symbol section has been written.
	emitOrder   []symtab.SymbolID
	funcBBCount map[uint64]uint64

	totalCounters          uint64
	countersNotAddressed   uint64
	crossFunctionCounters  uint64
	extraBBsInFallthroughs uint64
	symbolsWritten         uint64
	branchesWritten        uint64
	fallthroughsWritten    uint64
}

// NewWriter returns a Writer over an already-built symbol table and mmap
// registry.
func NewWriter(opts Options, table *symtab.Table, maps *procmap.Registry) (*Writer, error) {
	resolve, err := freelru.New[resolveKey, symtab.SymbolID](resolveCacheSize, hashResolveKey)
	if err != nil {
		return nil, err
	}
	return &Writer{
		opts:                opts,
		table:               table,
		maps:                maps,
		branchCounters:      make(map[uint32]map[rawEdge]uint64),
		fallthroughCounters: make(map[uint32]map[rawEdge]uint64),
		resolve:             resolve,
		branchSum:           make(map[branchKey]uint64),
		fallthroughSum:      make(map[symEdge]uint64),
		funcBBCount:         make(map[uint64]uint64),
	}, nil
}

// Run drives the full pipeline: load the binary, build the symbol index,
// aggregate every trace and write the profile.
func Run(opts Options) error {
	bin, err := elfbin.Open(opts.BinaryPath)
	if err != nil {
		return err
	}
	defer bin.Close()
	log.Infof("%q is PIE binary: %v", opts.BinaryPath, bin.IsPIE)

	var segs []procmap.Segment
	if bin.IsPIE {
		segs = bin.ExecSegments()
	}
	maps, err := procmap.NewRegistry(bin.IsPIE, segs)
	if err != nil {
		return err
	}
	for _, seg := range segs {
		log.Debugf("Loadable and executable segment: vaddr=0x%x, memsz=0x%x",
			seg.Vaddr, seg.Memsz)
	}

	table := symtab.NewTable()
	if err := bin.VisitSymbols(table.Ingest); err != nil {
		return err
	}
	if err := table.Relate(); err != nil {
		return err
	}

	w, err := NewWriter(opts, table, maps)
	if err != nil {
		return err
	}
	if !opts.IgnoreBuildID {
		w.buildID = readBuildID(bin)
	}

	for _, path := range opts.TracePaths {
		if err := w.processTrace(path); err != nil {
			return err
		}
	}
	log.Infof("Processed %d perf file(s).", w.tracesParsed)
	if err := w.ensureEnoughSamples(); err != nil {
		return err
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to open %q for writing: %w", opts.OutputPath, err)
	}
	if err := w.WriteTo(out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	w.summarize()
	return nil
}

// ensureEnoughSamples rejects runs whose traces carried too few branch-stack
// entries to form a meaningful profile.
func (w *Writer) ensureEnoughSamples() error {
	if w.lbrEntries < minLBREntries {
		return fmt.Errorf("too few brstack records (only %d record(s) found), cannot continue",
			w.lbrEntries)
	}
	log.Infof("Processed %s lbr records.", comma(w.lbrEntries))
	return nil
}

// readBuildID extracts the binary's build ID, falling back to a content
// hash in the logs when the note is absent.
func readBuildID(bin *elfbin.File) string {
	id, err := bin.BuildID()
	switch {
	case err == nil:
		log.Infof("Found build id in binary %q: %s", bin.Path(), id)
		return id
	case err == elfbin.ErrNoBuildID:
		log.Infof("No build id found in %q.", bin.Path())
		if hash, herr := bin.ContentHash(); herr == nil {
			log.Infof("Content hash of %q: %s", bin.Path(), hash)
		}
	default:
		log.Warnf("Failed to read build id of %q: %v", bin.Path(), err)
	}
	return ""
}

// processTrace matches, registers and aggregates a single perf.data file.
func (w *Writer) processTrace(path string) error {
	tr, err := perfdata.Open(path)
	if err != nil {
		return err
	}
	defer tr.Close()

	if w.buildID != "" {
		if err := w.matchBuildID(tr); err != nil {
			return err
		}
	}
	if err := w.setupMMaps(tr); err != nil {
		return err
	}
	if err := tr.Samples(func(s perfdata.Sample) {
		w.AggregateSample(s.PID, s.Branches)
	}); err != nil {
		return fmt.Errorf("failed to parse samples of %q: %w", path, err)
	}
	w.tracesParsed++
	return nil
}

// matchBuildID finds the trace file whose recorded build ID equals the
// binary's and locks the mmap name onto it.
func (w *Writer) matchBuildID(tr *perfdata.Trace) error {
	w.binaryMMapName = ""
	ids := tr.BuildIDs()
	for _, id := range ids {
		if elfbin.NormalizeBuildID(id.Hash) == w.buildID {
			w.binaryMMapName = id.Filename
			log.Infof("Found file with matching build id in perf file %q: %s",
				tr.Path, w.binaryMMapName)
			return nil
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "no file with matching build id in perf data %q, "+
		"which contains the following <file, buildid>:", tr.Path)
	for _, id := range ids {
		fmt.Fprintf(&sb, "\n\t%s: %s", id.Filename, elfbin.NormalizeBuildID(id.Hash))
	}
	return fmt.Errorf("%s", sb.String())
}

// binaryNameMatcher compares mmap file names against the profiled binary:
// full-path comparison when the configured name is absolute, basename
// comparison otherwise.
type binaryNameMatcher struct {
	compare  string
	baseOnly bool
}

func newBinaryNameMatcher(name string) binaryNameMatcher {
	if filepath.IsAbs(name) {
		return binaryNameMatcher{compare: name}
	}
	return binaryNameMatcher{compare: filepath.Base(name), baseOnly: true}
}

func (m binaryNameMatcher) matches(path string) bool {
	if m.baseOnly {
		return m.compare == filepath.Base(path)
	}
	return m.compare == path
}

// setupMMaps registers the trace's mmap events for the profiled binary.
func (w *Writer) setupMMaps(tr *perfdata.Trace) error {
	target := w.opts.MatchMMapFile
	if target == "" {
		if target = w.binaryMMapName; target == "" {
			target = w.opts.BinaryPath
		}
	}
	matcher := newBinaryNameMatcher(target)

	var mmapErr error
	err := tr.MMaps(func(m perfdata.MMap) {
		if mmapErr != nil || m.Filename == "" || !matcher.matches(m.Filename) {
			return
		}
		if w.binaryMMapName == "" {
			w.binaryMMapName = m.Filename
		} else if w.binaryMMapName != m.Filename {
			mmapErr = fmt.Errorf("%q is not specific enough, it matches both %q "+
				"and %q in the perf data file %q; consider using an absolute path",
				w.opts.BinaryPath, w.binaryMMapName, m.Filename, tr.Path)
			return
		}
		entry := procmap.Entry{LoadAddr: m.Addr, LoadSize: m.Len, PageOffset: m.PageOffset}
		if err := w.maps.Record(m.PID, entry); err != nil {
			mmapErr = err
			return
		}
		log.Debugf("Found mmap for %q: pid=%d %v", w.binaryMMapName, m.PID, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to parse mmap events of %q: %w", tr.Path, err)
	}
	if mmapErr != nil {
		return mmapErr
	}
	if w.maps.Total() == 0 {
		return fmt.Errorf("failed to find mmap entries in %q for %q",
			tr.Path, w.opts.BinaryPath)
	}
	return nil
}
