// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package symtab

import (
	"strconv"
	"strings"
)

// bbSeparator splits a basic-block symbol name into its tag and the name of
// the enclosing function, e.g. "aa.BB.foo".
const bbSeparator = ".BB."

// BBKind describes the control-flow role of a basic block.
type BBKind uint8

const (
	// BBNone marks function symbols, which carry no block kind.
	BBNone BBKind = iota
	BBNormal
	BBReturn
	BBFallthrough
)

func (k BBKind) String() string {
	switch k {
	case BBNormal:
		return "normal"
	case BBReturn:
		return "return"
	case BBFallthrough:
		return "fallthrough"
	default:
		return "none"
	}
}

// ParseBBName splits a basic-block symbol name of the form "<tag>.BB.<func>".
// The tag must be non-empty and drawn from {aArRfF}; its length is the block
// index within the function. ok is false for any other name.
func ParseBBName(name string) (funcName, tag string, ok bool) {
	sep := strings.Index(name, bbSeparator)
	if sep <= 0 || sep+len(bbSeparator) >= len(name) {
		return "", "", false
	}
	tag = name[:sep]
	for i := 0; i < len(tag); i++ {
		switch tag[i] {
		case 'a', 'A', 'r', 'R', 'f', 'F':
		default:
			return "", "", false
		}
	}
	return name[sep+len(bbSeparator):], tag, true
}

// IsBBName reports whether name follows the basic-block naming convention.
func IsBBName(name string) bool {
	_, _, ok := ParseBBName(name)
	return ok
}

// DecodeBBTag decodes the kind and landing-pad flag from a block tag. The
// leading letter encodes the kind, an uppercase letter marks a landing pad.
// The tag must already have been validated by ParseBBName.
func DecodeBBTag(tag string) (kind BBKind, landingPad bool) {
	c := tag[0]
	landingPad = c >= 'A' && c <= 'Z'
	switch c | 0x20 {
	case 'a':
		kind = BBNormal
	case 'r':
		kind = BBReturn
	case 'f':
		kind = BBFallthrough
	}
	return kind, landingPad
}

// SimplifyName rewrites a BB-form name "<tag>.BB.<func>" as
// "<len(tag)>.BB.<func>" for emission. Non-BB names pass through unchanged.
func SimplifyName(name string) string {
	_, tag, ok := ParseBBName(name)
	if !ok {
		return name
	}
	return strconv.Itoa(len(tag)) + name[len(tag):]
}
