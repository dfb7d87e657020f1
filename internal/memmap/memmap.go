// Package memmap remaps guest-physical address ranges onto the address
// space a connector actually exposes (its "real" or host address space),
// the way a dump-file connector maps guest-physical ranges onto byte
// offsets inside the dump, or a hypervisor connector maps guest-physical
// ranges onto host virtual memory. Modeled on tinyrange-cc's AddressSpace,
// generalized from "allocate a new MMIO range" to "look up an existing
// guest range and split a request against its boundaries".
package memmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/merr"
)

// MappingEntry is one guest-physical range and the real address it
// corresponds to. [Base, Base+Length) in guest-physical space corresponds
// to [RealBase, RealBase+Length) in the connector's own address space.
type MappingEntry struct {
	Base     addr.Address
	Length   uint64
	RealBase addr.Address
}

func (e MappingEntry) end() addr.Address {
	return e.Base + addr.Address(e.Length)
}

// contains reports whether a falls within this entry's guest range.
func (e MappingEntry) contains(a addr.Address) bool {
	return a >= e.Base && a < e.end()
}

// MemoryMap is a sorted, non-overlapping collection of MappingEntry
// values. A request that only partially overlaps a hole between entries,
// or that falls entirely outside every entry, fails with merr.OutOfBounds
// rather than silently truncating.
type MemoryMap struct {
	mu      sync.RWMutex
	entries []MappingEntry
}

// New returns an empty MemoryMap.
func New() *MemoryMap {
	return &MemoryMap{}
}

// AddMapping inserts a new guest-physical range. It fails if the new
// range overlaps any existing entry.
func (m *MemoryMap) AddMapping(base addr.Address, length uint64, realBase addr.Address) error {
	if length == 0 {
		return merr.New(merr.OutOfBounds, "mapping length must be non-zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := MappingEntry{Base: base, Length: length, RealBase: realBase}
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Base >= base })
	if idx > 0 && m.entries[idx-1].end() > base {
		return merr.New(merr.OutOfBounds, fmt.Sprintf("mapping %s overlaps existing entry at %s", base, m.entries[idx-1].Base))
	}
	if idx < len(m.entries) && entry.end() > m.entries[idx].Base {
		return merr.New(merr.OutOfBounds, fmt.Sprintf("mapping %s overlaps existing entry at %s", base, m.entries[idx].Base))
	}

	m.entries = append(m.entries, MappingEntry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry
	m.coalesceLocked()
	return nil
}

// coalesceLocked merges adjacent entries whose guest and real ranges are
// both contiguous, keeping the entry count proportional to the number of
// distinct regions rather than the number of AddMapping calls.
func (m *MemoryMap) coalesceLocked() {
	if len(m.entries) < 2 {
		return
	}
	merged := m.entries[:1]
	for _, e := range m.entries[1:] {
		last := &merged[len(merged)-1]
		if last.end() == e.Base && last.RealBase+addr.Address(last.Length) == e.RealBase {
			last.Length += e.Length
			continue
		}
		merged = append(merged, e)
	}
	m.entries = merged
}

// Entries returns a copy of the map's mapping entries in ascending
// guest-address order.
func (m *MemoryMap) Entries() []MappingEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MappingEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// MappedChunk is one contiguous slice of a request that landed entirely
// within a single MappingEntry.
type MappedChunk struct {
	GuestAddr addr.Address
	RealAddr  addr.Address
	Length    uint64
}

// Translate splits [start, start+length) into MappedChunks, one per
// MappingEntry it crosses, translating each into the connector's real
// address space. It fails with merr.OutOfBounds as soon as any part of
// the request falls in a gap not covered by any entry.
func (m *MemoryMap) Translate(start addr.Address, length uint64) ([]MappedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chunks []MappedChunk
	cur := start
	remaining := length
	for remaining > 0 {
		idx := m.findLocked(cur)
		if idx < 0 {
			return nil, merr.New(merr.OutOfBounds, fmt.Sprintf("address %s is not mapped", cur))
		}
		e := m.entries[idx]
		avail := e.end().Sub(cur)
		n := remaining
		if n > avail {
			n = avail
		}
		offset := cur.Sub(e.Base)
		chunks = append(chunks, MappedChunk{
			GuestAddr: cur,
			RealAddr:  e.RealBase + addr.Address(offset),
			Length:    n,
		})
		cur += addr.Address(n)
		remaining -= n
	}
	return chunks, nil
}

// findLocked returns the index of the entry containing a, or -1.
func (m *MemoryMap) findLocked(a addr.Address) int {
	idx := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].end() > a })
	if idx < len(m.entries) && m.entries[idx].contains(a) {
		return idx
	}
	return -1
}

// Contains reports whether a single address is covered by any mapping.
func (m *MemoryMap) Contains(a addr.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(a) >= 0
}
