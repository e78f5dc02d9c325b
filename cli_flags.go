// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

// Help strings for command line arguments
var (
	matchMMapFileHelp = "Match mmap event file path. When empty, the file name " +
		"with a matching build id (or the binary path) is used."
	ignoreBuildIDHelp = "Ignore build id match and accept every mmap of the " +
		"configured file name."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
)

type arguments struct {
	matchMMapFile string
	ignoreBuildID bool
	verboseMode   bool
	version       bool

	binaryPath string
	tracePaths []string
	outputPath string

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("propeller-prof", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.BoolVar(&args.ignoreBuildID, "ignore-build-id", false, ignoreBuildIDHelp)

	fs.StringVar(&args.matchMMapFile, "match-mmap-file", "", matchMMapFileHelp)

	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: %s [flags] <binary> <perf.data[,perf.data...]> <output>\n",
			fs.Name())
		fs.PrintDefaults()
	}

	args.fs = fs

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PROPELLER_PROF"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	); err != nil {
		return nil, err
	}

	if args.version || fs.NArg() == 0 {
		return &args, nil
	}
	if fs.NArg() != 3 {
		return nil, fmt.Errorf("expected 3 positional arguments "+
			"<binary> <perf.data,...> <output>, got %d", fs.NArg())
	}
	args.binaryPath = fs.Arg(0)
	for _, path := range strings.Split(fs.Arg(1), ",") {
		if path != "" {
			args.tracePaths = append(args.tracePaths, path)
		}
	}
	args.outputPath = fs.Arg(2)
	if len(args.tracePaths) == 0 {
		return nil, fmt.Errorf("no perf trace files given")
	}
	return &args, nil
}

// dump logs the effective configuration in debug mode.
func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debugf("%s: %v", f.Name, f.Value)
	})
	log.Debugf("binary: %s", args.binaryPath)
	log.Debugf("traces: %s", strings.Join(args.tracePaths, ","))
	log.Debugf("output: %s", args.outputPath)
}
