// Copyright The Propeller Authors
// SPDX-License-Identifier: Apache-2.0

// Package symtab builds the symbol index of a basic-block-annotated
// executable: an address-ordered map of function and BB symbols, the
// function<->BB containment graph, and smallest-covering-symbol address
// resolution.
package symtab

import (
	"fmt"
	"slices"
	"sort"

	log "github.com/sirupsen/logrus"
)

// defaultExcludedFunctions are compiler-emitted functions whose symbols (and
// BB symbols) are never retained.
var defaultExcludedFunctions = []string{
	"__cxx_global_array_dtor",
}

// Table is the symbol index. Symbols live in a flat arena and are reachable
// through address buckets and a primary-name map.
type Table struct {
	syms    []Symbol
	buckets map[uint64][]SymbolID
	byName  map[string]SymbolID
	exclude map[string]bool

	// addrs is the ascending list of retained bucket addresses, valid
	// after Relate.
	addrs []uint64

	bbDropped uint64
}

// NewTable returns an empty symbol table with the default exclusion set.
func NewTable() *Table {
	t := &Table{
		buckets: make(map[uint64][]SymbolID),
		byName:  make(map[string]SymbolID),
		exclude: make(map[string]bool),
	}
	for _, name := range defaultExcludedFunctions {
		t.exclude[name] = true
	}
	return t
}

// Sym returns the arena entry for id.
func (t *Table) Sym(id SymbolID) *Symbol {
	return &t.syms[id]
}

// Len returns the number of retained address buckets.
func (t *Table) Len() int {
	return len(t.addrs)
}

// Addrs returns the ascending bucket addresses. Valid after Relate.
func (t *Table) Addrs() []uint64 {
	return t.addrs
}

// Bucket returns the symbols at exactly addr.
func (t *Table) Bucket(addr uint64) []SymbolID {
	return t.buckets[addr]
}

// Ingest adds one raw symbol-table entry. Entries outside text sections,
// with empty names, or that are neither functions nor BB-named are skipped,
// as are zero-sized functions and the exclusion set. Symbols co-located with
// an existing entry of identical size and classification merge as aliases;
// duplicated primary names cause both copies to be dropped.
func (t *Table) Ingest(name string, addr, size uint64, isFunc, inText bool) {
	if !inText || name == "" {
		return
	}
	funcName, tag, isBB := ParseBBName(name)
	if !isFunc && !isBB {
		return
	}
	if isFunc && size == 0 {
		return
	}
	excludeKey := name
	if isBB {
		excludeKey = funcName
	}
	if t.exclude[excludeKey] {
		return
	}

	// Alias merge: same address, same size, same BB-or-not classification.
	for _, id := range t.buckets[addr] {
		s := &t.syms[id]
		if s.Size != size || s.BB != isBB {
			continue
		}
		if !isBB {
			s.Aliases = append(s.Aliases, name)
		}
		if isFunc && !s.Func {
			// Any function symbol in the group promotes the group.
			s.Func = true
		}
		return
	}

	if prev, ok := t.byName[name]; ok {
		// The same name at two addresses makes both copies unreliable
		// for layout. Drop the incoming one and remove the earlier one.
		log.Infof("Dropped duplicate symbol %q. Consider building with "+
			"-funique-internal-funcnames.", name)
		prevAddr := t.syms[prev].Addr
		t.buckets[prevAddr] = slices.DeleteFunc(t.buckets[prevAddr],
			func(id SymbolID) bool { return t.syms[id].Name == name })
		if len(t.buckets[prevAddr]) == 0 {
			delete(t.buckets, prevAddr)
		}
		delete(t.byName, name)
		return
	}

	id := SymbolID(len(t.syms))
	sym := Symbol{
		Name:           name,
		Addr:           addr,
		Size:           size,
		Func:           isFunc,
		BB:             isBB,
		ContainingFunc: NoSymbol,
	}
	if isBB {
		sym.Kind, sym.LandingPad = DecodeBBTag(tag)
	} else {
		sym.Aliases = []string{name}
	}
	t.syms = append(t.syms, sym)
	t.buckets[addr] = append(t.buckets[addr], id)
	t.byName[name] = id
}

// isFunctionFor reports whether f can enclose the basic block named by
// funcName: the range must contain the block and funcName must be one of
// f's names.
func (t *Table) isFunctionFor(f *Symbol, bb *Symbol, funcName string) bool {
	return f.IsFunction() && f.Contains(bb) && slices.Contains(f.Aliases, funcName)
}

// Relate links every basic block to its containing function, walking the
// address buckets in ascending order. Blocks with no enclosing function are
// dropped together with their bucket. On success every retained BB holds its
// tag as Name and a valid ContainingFunc.
func (t *Table) Relate() error {
	addrs := make([]uint64, 0, len(t.buckets))
	for addr := range t.buckets {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	lastFuncIdx := -1
	for i := 0; i < len(addrs); i++ {
		bucket := t.buckets[addrs[i]]
		funcCount := 0
		for _, id := range bucket {
			if t.syms[id].IsFunction() {
				if funcCount++; funcCount > 1 {
					return fmt.Errorf("at address 0x%x, more than one "+
						"function with different sizes", addrs[i])
				}
				lastFuncIdx = i
			}
		}
		if lastFuncIdx == -1 {
			// Blocks before the first function can never be enclosed.
			for _, id := range bucket {
				log.Warnf("Dropped bb symbol without any enclosing function: %q@0x%x",
					t.syms[id].Name, t.syms[id].Addr)
				t.bbDropped++
			}
			delete(t.buckets, addrs[i])
			continue
		}

		for _, id := range bucket {
			s := &t.syms[id]
			if !s.BB {
				// A function encloses itself.
				s.ContainingFunc = id
				continue
			}
			funcName, tag, ok := ParseBBName(s.Name)
			if !ok {
				return fmt.Errorf("symbol %q indexed as BB but does not decode", s.Name)
			}

			containing, err := t.findContainingFunc(addrs, lastFuncIdx, s, funcName)
			if err != nil {
				return err
			}
			if containing == NoSymbol {
				log.Warnf("Dropped bb symbol without any enclosing function: %q@0x%x",
					s.Name, s.Addr)
				t.bbDropped++
				delete(t.buckets, addrs[i])
				break
			}

			s.ContainingFunc = containing
			if err := t.promoteAlias(containing, s, funcName); err != nil {
				return err
			}
			s.Name = tag
		}
	}

	if t.bbDropped > 0 {
		log.Infof("Dropped %d bb symbol(s).", t.bbDropped)
	}

	t.addrs = t.addrs[:0]
	for addr := range t.buckets {
		t.addrs = append(t.addrs, addr)
	}
	slices.Sort(t.addrs)
	return nil
}

// findContainingFunc locates the function enclosing bb, scanning the most
// recent function bucket first and walking backward over at most two earlier
// function buckets. Two matching functions at one address is a fatal
// inconsistency.
func (t *Table) findContainingFunc(addrs []uint64, lastFuncIdx int,
	bb *Symbol, funcName string) (SymbolID, error) {
	containing := NoSymbol
	for _, fid := range t.buckets[addrs[lastFuncIdx]] {
		f := &t.syms[fid]
		if !t.isFunctionFor(f, bb, funcName) {
			continue
		}
		if containing != NoSymbol {
			return NoSymbol, fmt.Errorf("at address 0x%x, two different "+
				"functions %q and %q both enclose %q",
				addrs[lastFuncIdx], t.syms[containing].Name, f.Name, funcName)
		}
		containing = fid
	}
	if containing != NoSymbol {
		return containing, nil
	}

	// A zero-sized tail block can sit at the start address of the next
	// function; seek lower addresses, crossing at most two buckets that
	// hold functions.
	funcBucketsSeen := 0
	for j := lastFuncIdx; j > 0 && containing == NoSymbol; {
		j--
		sawFunc := false
		for _, fid := range t.buckets[addrs[j]] {
			f := &t.syms[fid]
			sawFunc = sawFunc || f.IsFunction()
			if t.isFunctionFor(f, bb, funcName) {
				containing = fid
				break
			}
		}
		if sawFunc {
			if funcBucketsSeen++; funcBucketsSeen >= 2 {
				break
			}
		}
	}
	return containing, nil
}

// promoteAlias makes the function name decoded from a BB symbol the
// canonical name of its containing function, moving it to the front of the
// alias list.
func (t *Table) promoteAlias(funcID SymbolID, bb *Symbol, funcName string) error {
	f := &t.syms[funcID]
	if f.Name == funcName {
		return nil
	}
	pos := slices.Index(f.Aliases, funcName)
	if pos < 0 {
		return fmt.Errorf("bb symbol %q does not name its enclosing function %q",
			bb.Name, f.Name)
	}
	f.Aliases = slices.Delete(f.Aliases, pos, pos+1)
	f.Aliases = slices.Insert(f.Aliases, 0, funcName)
	f.Name = funcName
	return nil
}

// Lookup resolves addr to the smallest covering symbol, ties broken by name.
// NoSymbol when no bucket at or below addr covers it.
func (t *Table) Lookup(addr uint64) SymbolID {
	i := sort.Search(len(t.addrs), func(i int) bool { return t.addrs[i] > addr })
	if i == 0 {
		return NoSymbol
	}
	bucket := t.buckets[t.addrs[i-1]]

	// The overwhelmingly common case is a single covering symbol.
	if len(bucket) == 1 {
		if t.syms[bucket[0]].Covers(addr) {
			return bucket[0]
		}
		return NoSymbol
	}

	best := NoSymbol
	for _, id := range bucket {
		s := &t.syms[id]
		if !s.Covers(addr) {
			continue
		}
		if best == NoSymbol {
			best = id
			continue
		}
		b := &t.syms[best]
		if s.Size < b.Size || (s.Size == b.Size && s.Name < b.Name) {
			best = id
		}
	}
	return best
}

// Counts returns the number of retained function and basic-block symbols.
func (t *Table) Counts() (funcs, bbs uint64) {
	for _, bucket := range t.buckets {
		for _, id := range bucket {
			if t.syms[id].BB {
				bbs++
			} else {
				funcs++
			}
		}
	}
	return funcs, bbs
}
