// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBName(t *testing.T) {
	tests := []struct {
		name     string
		funcName string
		tag      string
		ok       bool
	}{
		{"a.BB.foo", "foo", "a", true},
		{"aaaa.BB.foo", "foo", "aaaa", true},
		{"ar.BB.f._zfooc1", "f._zfooc1", "ar", true},
		{"Raf.BB.bar", "bar", "Raf", true},
		{"foo", "", "", false},
		{"a.BB.", "", "", false},
		{".BB.foo", "", "", false},
		{"ax.BB.foo", "", "", false},
		{"", "", "", false},
		{"aa.bb.foo", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			funcName, tag, ok := ParseBBName(tc.name)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.funcName, funcName)
			assert.Equal(t, tc.tag, tag)
		})
	}
}

func TestDecodeBBTag(t *testing.T) {
	tests := []struct {
		tag        string
		kind       BBKind
		landingPad bool
	}{
		{"a", BBNormal, false},
		{"aa", BBNormal, false},
		{"r", BBReturn, false},
		{"f", BBFallthrough, false},
		{"A", BBNormal, true},
		{"Raa", BBReturn, true},
		{"Fa", BBFallthrough, true},
	}
	for _, tc := range tests {
		kind, landingPad := DecodeBBTag(tc.tag)
		assert.Equal(t, tc.kind, kind, "tag %q", tc.tag)
		assert.Equal(t, tc.landingPad, landingPad, "tag %q", tc.tag)
	}
}

func TestSimplifyName(t *testing.T) {
	assert.Equal(t, "3.BB.foo", SimplifyName("aaa.BB.foo"))
	assert.Equal(t, "1.BB._zbar", SimplifyName("r.BB._zbar"))
	assert.Equal(t, "_zbar", SimplifyName("_zbar"))
	assert.Equal(t, "", SimplifyName(""))
}
