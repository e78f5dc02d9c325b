// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package elfbin

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/minio/sha256-simd"
)

// ErrNoBuildID is returned when the executable carries no GNU build-id note.
var ErrNoBuildID = errors.New("no build ID")

// buildIDBytes is the wire size of a build ID. Hashes of other lengths are
// truncated or zero-padded to this size for matching and display.
const buildIDBytes = 20

const gnuBuildIDTag = 3

// BuildID returns the GNU build ID of the executable as lowercase hex,
// normalized to 20 bytes. ErrNoBuildID if the note section is absent.
func (f *File) BuildID() (string, error) {
	sec := f.ef.Section(".note.gnu.build-id")
	if sec == nil {
		return "", ErrNoBuildID
	}
	data, err := sec.Data()
	if err != nil {
		return "", fmt.Errorf("reading build-id note: %w", err)
	}
	id, err := parseNotes(data, f.ef.ByteOrder, "GNU", gnuBuildIDTag)
	if err != nil {
		return "", err
	}
	return NormalizeBuildID(hex.EncodeToString(id)), nil
}

// parseNotes walks an ELF note section and returns the descriptor of the
// first note with the wanted owner name and type.
func parseNotes(data []byte, order binary.ByteOrder, name string, noteType uint32) ([]byte, error) {
	align4 := func(n int) int { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := int(order.Uint32(data[0:4]))
		descsz := int(order.Uint32(data[4:8]))
		typ := order.Uint32(data[8:12])
		nameEnd := 12 + namesz
		descStart := align4(nameEnd)
		descEnd := descStart + descsz
		if nameEnd > len(data) || descEnd > len(data) {
			return nil, errors.New("truncated note section")
		}
		if typ == noteType && namesz == len(name)+1 &&
			string(data[12:nameEnd-1]) == name {
			return data[descStart:descEnd], nil
		}
		data = data[align4(descEnd):]
	}
	return nil, ErrNoBuildID
}

// NormalizeBuildID pads or truncates a hex build ID to exactly 20 bytes so
// differently-sized hashes compare and print uniformly.
func NormalizeBuildID(id string) string {
	id = strings.ToLower(id)
	if len(id) >= 2*buildIDBytes {
		return id[:2*buildIDBytes]
	}
	return id + strings.Repeat("0", 2*buildIDBytes-len(id))
}

// ContentHash returns the SHA-256 of the file contents. It serves as an
// identity aid in logs when the binary has no build-id note; it is never
// matched against trace build IDs.
func (f *File) ContentHash() (string, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
