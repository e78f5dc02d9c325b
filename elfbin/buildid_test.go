// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package elfbin

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// note serializes one ELF note record with 4-byte alignment.
func note(name string, typ uint32, desc []byte) []byte {
	var buf bytes.Buffer
	namez := append([]byte(name), 0)
	binary.Write(&buf, binary.LittleEndian, uint32(len(namez)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, typ)
	buf.Write(namez)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func TestParseNotes(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}

	// The build-id note is found even behind other notes.
	data := append(note("Linux", 1, []byte{1, 2, 3, 4}), note("GNU", gnuBuildIDTag, id)...)
	desc, err := parseNotes(data, binary.LittleEndian, "GNU", gnuBuildIDTag)
	require.NoError(t, err)
	assert.Equal(t, id, desc)

	// Wrong owner or type yields ErrNoBuildID.
	_, err = parseNotes(note("Linux", gnuBuildIDTag, id), binary.LittleEndian, "GNU", gnuBuildIDTag)
	assert.ErrorIs(t, err, ErrNoBuildID)
	_, err = parseNotes(note("GNU", 1, id), binary.LittleEndian, "GNU", gnuBuildIDTag)
	assert.ErrorIs(t, err, ErrNoBuildID)

	// Truncated note section errors out.
	long := note("GNU", gnuBuildIDTag, id)
	_, err = parseNotes(long[:len(long)-6], binary.LittleEndian, "GNU", gnuBuildIDTag)
	assert.Error(t, err)
}

func TestNormalizeBuildID(t *testing.T) {
	// Always exactly 20 bytes of hex: shorter hashes are zero-padded,
	// longer ones truncated.
	short := NormalizeBuildID("deadbeef")
	assert.Len(t, short, 40)
	assert.True(t, strings.HasPrefix(short, "deadbeef"))
	assert.True(t, strings.HasSuffix(short, "0000"))

	long := NormalizeBuildID(strings.Repeat("ab", 32))
	assert.Equal(t, strings.Repeat("ab", 20), long)

	assert.Equal(t, NormalizeBuildID("DEADBEEF"), NormalizeBuildID("deadbeef"))
}
