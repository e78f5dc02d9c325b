// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawSym struct {
	name   string
	addr   uint64
	size   uint64
	isFunc bool
}

func buildTable(t *testing.T, syms []rawSym) *Table {
	t.Helper()
	table := NewTable()
	for _, s := range syms {
		table.Ingest(s.name, s.addr, s.size, s.isFunc, true)
	}
	require.NoError(t, table.Relate())
	return table
}

func (t *Table) mustByName(tb *testing.T, addr uint64, name string) SymbolID {
	tb.Helper()
	for _, id := range t.Bucket(addr) {
		if t.Sym(id).Name == name {
			return id
		}
	}
	tb.Fatalf("no symbol %q at 0x%x", name, addr)
	return NoSymbol
}

func TestIngestSkips(t *testing.T) {
	table := NewTable()
	table.Ingest("data_sym", 0x100, 8, false, false)       // not text
	table.Ingest("", 0x200, 8, true, true)                 // empty name
	table.Ingest("not_a_func", 0x300, 8, false, true)      // neither func nor BB
	table.Ingest("zero_sized", 0x400, 0, true, true)       // zero-size function
	table.Ingest("__cxx_global_array_dtor", 0x500, 8, true, true)
	table.Ingest("a.BB.__cxx_global_array_dtor", 0x500, 4, false, true)
	require.NoError(t, table.Relate())
	assert.Zero(t, table.Len())
}

func TestContainment(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"foo", 0x1000, 0x20, true},
		{"a.BB.foo", 0x1000, 0x10, false},
		{"aa.BB.foo", 0x1010, 0x10, false},
		{"bar", 0x2000, 0x10, true},
		{"a.BB.bar", 0x2000, 0x10, false},
	})

	fooID := table.mustByName(t, 0x1000, "foo")
	for _, addr := range []uint64{0x1000, 0x1010} {
		for _, id := range table.Bucket(addr) {
			s := table.Sym(id)
			if !s.BB {
				assert.Equal(t, id, s.ContainingFunc)
				continue
			}
			require.Equal(t, fooID, s.ContainingFunc)
			f := table.Sym(s.ContainingFunc)
			assert.GreaterOrEqual(t, s.Addr, f.Addr)
			assert.Less(t, s.Addr, f.Addr+f.Size)
		}
	}

	// BB names are reduced to their tags.
	bb1 := table.Sym(table.mustByName(t, 0x1000, "a"))
	bb2 := table.Sym(table.mustByName(t, 0x1010, "aa"))
	assert.Equal(t, 1, bb1.BBIndex())
	assert.Equal(t, 2, bb2.BBIndex())
}

func TestBBWithoutFunctionDropped(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"foo", 0x1000, 0x10, true},
		// Outside foo and not preceded by its named function.
		{"a.BB.baz", 0x3000, 0x10, false},
	})
	assert.Equal(t, 1, table.Len())
	assert.Empty(t, table.Bucket(0x3000))
}

func TestZeroSizedTailBlockBacktracks(t *testing.T) {
	// A zero-sized block at the start address of the next function must
	// find its function among earlier buckets.
	table := buildTable(t, []rawSym{
		{"foo", 0x1000, 0x14, true},
		{"a.BB.foo", 0x1010, 0x4, false},
		{"aa.BB.foo", 0x1014, 0, false},
		{"bar", 0x1014, 0x10, true},
		{"a.BB.bar", 0x1014, 0x10, false},
	})
	fooID := table.mustByName(t, 0x1000, "foo")
	tail := table.Sym(table.mustByName(t, 0x1014, "aa"))
	assert.Equal(t, fooID, tail.ContainingFunc)
}

func TestAliasMergeAndPromotion(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"_zfooc2", 0x1000, 0x10, true},
		{"_zfooc1", 0x1000, 0x10, true},
		{"_zfooc3", 0x1000, 0x10, true},
		{"a.BB._zfooc1", 0x1000, 0x8, false},
	})

	f := table.Sym(table.mustByName(t, 0x1000, "_zfooc1"))
	assert.Equal(t, "_zfooc1", f.Name)
	assert.Equal(t, []string{"_zfooc1", "_zfooc2", "_zfooc3"}, f.Aliases)

	bb := table.Sym(table.mustByName(t, 0x1000, "a"))
	assert.Equal(t, f, table.Sym(bb.ContainingFunc))
}

func TestAliasFunctionPromotion(t *testing.T) {
	// A non-function symbol group is promoted when a function aliases it.
	table := NewTable()
	table.Ingest("a.BB.foo", 0x1000, 0x10, false, true)
	table.Ingest("a.BB.foo", 0x1000, 0x10, true, true)
	require.Len(t, table.Bucket(0x1000), 1)
	assert.True(t, table.Sym(table.Bucket(0x1000)[0]).Func)
}

func TestDuplicateNameDropsBoth(t *testing.T) {
	table := NewTable()
	table.Ingest("foo", 0x1000, 0x10, true, true)
	table.Ingest("foo", 0x2000, 0x20, true, true)
	table.Ingest("bar", 0x3000, 0x10, true, true)
	require.NoError(t, table.Relate())

	assert.Empty(t, table.Bucket(0x1000))
	assert.Empty(t, table.Bucket(0x2000))
	assert.Len(t, table.Bucket(0x3000), 1)
}

func TestTwoFunctionsSameAddressFails(t *testing.T) {
	table := NewTable()
	table.Ingest("foo", 0x1000, 0x10, true, true)
	table.Ingest("bar", 0x1000, 0x20, true, true)
	err := table.Relate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one function")
}

func TestLookupSmallestCovering(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"foo", 0x1000, 0x20, true},
		{"a.BB.foo", 0x1000, 0x10, false},
		{"aa.BB.foo", 0x1010, 0x10, false},
	})

	// Mid-block and block-start addresses resolve to the smallest
	// covering symbol.
	id := table.Lookup(0x1005)
	require.NotEqual(t, NoSymbol, id)
	assert.Equal(t, "a", table.Sym(id).Name)

	id = table.Lookup(0x1010)
	require.NotEqual(t, NoSymbol, id)
	assert.Equal(t, "aa", table.Sym(id).Name)

	assert.Equal(t, NoSymbol, table.Lookup(0xfff))
	assert.Equal(t, NoSymbol, table.Lookup(0x1020))
}

func TestLookupTieBreakByName(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"bar", 0x1000, 0x10, true},
		{"a.BB.bar", 0x1000, 0x10, false},
	})
	// Same size: the lexicographically smaller name wins. The BB holds
	// its tag "a" which sorts before "bar".
	id := table.Lookup(0x1004)
	require.NotEqual(t, NoSymbol, id)
	assert.Equal(t, "a", table.Sym(id).Name)
}

func TestCounts(t *testing.T) {
	table := buildTable(t, []rawSym{
		{"foo", 0x1000, 0x20, true},
		{"a.BB.foo", 0x1000, 0x10, false},
		{"aa.BB.foo", 0x1010, 0x10, false},
		{"bar", 0x2000, 0x10, true},
	})
	funcs, bbs := table.Counts()
	assert.Equal(t, uint64(2), funcs)
	assert.Equal(t, uint64(2), bbs)
}
