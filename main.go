// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// propeller-prof converts hardware branch-sampling profiles (perf.data with
// LBR stacks) into a symbolic per-basic-block profile for feedback-directed
// basic-block layout at link time.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/denik82/autofdo/propeller"
)

const version = "0.3.0"

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.version {
		fmt.Printf("propeller-prof %s\n", version)
		return exitSuccess
	}

	if args.binaryPath == "" {
		args.fs.Usage()
		return exitParseError
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		args.dump()
	}

	err = propeller.Run(propeller.Options{
		BinaryPath:    args.binaryPath,
		TracePaths:    args.tracePaths,
		OutputPath:    args.outputPath,
		MatchMMapFile: args.matchMMapFile,
		IgnoreBuildID: args.ignoreBuildID,
	})
	if err != nil {
		return failure("%v", err)
	}
	return exitSuccess
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}
