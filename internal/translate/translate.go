// Package translate walks architecture page tables to resolve virtual
// addresses to physical ones. It never talks to a connector directly -
// callers supply a PhysicalReader, typically a thin adapter over a
// connector.PhysicalMemory, so the walker can be exercised against a plain
// byte buffer in tests.
//
// The walk is batched: VirtToPhysList resolves many virtual addresses in
// one call, and within each page-table level it folds together addresses
// that land on the same page-table-entry slot before issuing a single
// physical read for the level, instead of reading one PTE per address.
// Each level is a pipeline.Processor stage: an address that resolves to a
// leaf or large page finishes early and is skipped by every later level,
// the same ToDo/Done bookkeeping pagecache.CachedRead drives its own fill
// batch through.
package translate

import (
	"fmt"
	"sort"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/arch"
	"github.com/tinyrange/memprobe/internal/merr"
	"github.com/tinyrange/memprobe/internal/pipeline"
)

// ReadRequest is one physical read a PhysicalReader must satisfy by filling
// Buf with len(Buf) bytes starting at Addr.
type ReadRequest struct {
	Addr addr.Address
	Buf  []byte
}

// PhysicalReader performs a batch of physical reads. Implementations may
// issue the underlying reads concurrently; the walker only requires that
// every request's Buf be filled (or the call fail) before it returns.
type PhysicalReader interface {
	ReadPhysical(reqs []ReadRequest) error
}

// Translator walks page tables for a single fixed architecture.
type Translator struct {
	Desc arch.Descriptor
}

// New returns a Translator for the given architecture.
func New(desc arch.Descriptor) Translator {
	return Translator{Desc: desc}
}

// Arch returns the architecture this translator walks.
func (t Translator) Arch() arch.Descriptor {
	return t.Desc
}

// TranslationTableID derives the identifier memflow calls the "DTB" cache
// key: the page-aligned root table address. Two virtual-address spaces
// sharing a root table are the same address space as far as the cache is
// concerned.
func (t Translator) TranslationTableID(dtb addr.Address) addr.Address {
	return dtb.AlignDown(t.Desc.PageSize)
}

// Result is the outcome of translating one virtual address.
type Result struct {
	VA  addr.Address
	PA  addr.PhysicalAddress
	Err error
}

// walkState tracks one in-flight virtual address as it descends levels.
// Which level it's waiting on is implicit in which Driver stage is
// running, so it isn't tracked here.
type walkState struct {
	va        addr.Address
	tableBase addr.Address // physical address of the table to read from at the current level
	result    addr.PhysicalAddress
}

// validateDTB rejects a translation table root that cannot belong to this
// architecture's address space before the walk ever touches the
// connector. A DTB wider than the architecture's address-space bits can't
// be valid for it - the same fast fail as trying a DTB against each
// configured architecture in turn and finding none fit.
func (t Translator) validateDTB(dtb addr.Address) error {
	if dtb == addr.Invalid {
		return merr.New(merr.InvalidArchitecture, "translation table base is the invalid address sentinel")
	}
	if bits := t.Desc.AddressSpaceBits; bits < 64 && uint64(dtb)>>bits != 0 {
		return merr.New(merr.InvalidArchitecture, fmt.Sprintf("dtb %s exceeds %s's %d-bit address space", dtb, t.Desc.Ident, bits))
	}
	return nil
}

// VirtToPhysList resolves every address in vas against the page table
// rooted at dtb, batching physical reads within each level. The result
// slice is in the same order as vas; a failed address carries a non-nil
// Err and a zero PA rather than aborting the whole batch (one unmapped
// page must not fail its siblings).
func (t Translator) VirtToPhysList(dtb addr.Address, r PhysicalReader, vas []addr.Address) []Result {
	results := make([]Result, len(vas))
	if err := t.validateDTB(dtb); err != nil {
		for i, va := range vas {
			results[i] = Result{VA: va, Err: err}
		}
		return results
	}

	root := dtb.AlignDown(t.Desc.PageSize)
	items := make([]pipeline.Item[*walkState], len(vas))
	for i, va := range vas {
		items[i] = pipeline.NewToDo(&walkState{va: va, tableBase: root})
	}

	levels := t.Desc.MMU.Levels
	stages := make([]pipeline.Processor[*walkState], len(levels))
	for level, ld := range levels {
		stages[level] = t.levelStage(r, ld, level, len(levels))
	}
	items = pipeline.Driver[*walkState]{Stages: stages}.Run(items)

	for i, it := range items {
		st := it.Value
		switch {
		case it.Err != nil:
			results[i] = Result{VA: st.va, Err: it.Err}
		case !it.IsDone():
			results[i] = Result{VA: st.va, Err: merr.New(merr.PageNotPresent, fmt.Sprintf("incomplete walk for %s", st.va))}
		default:
			results[i] = Result{VA: st.va, PA: st.result}
		}
	}
	return results
}

// VirtToPhys translates a single address. Prefer VirtToPhysList when
// resolving more than one address.
func (t Translator) VirtToPhys(dtb addr.Address, r PhysicalReader, va addr.Address) (addr.PhysicalAddress, error) {
	res := t.VirtToPhysList(dtb, r, []addr.Address{va})
	return res[0].PA, res[0].Err
}

// levelStage returns the Processor that resolves one page-table level for
// every walkState still ToDo when the Driver reaches it: it groups the
// pending items by the exact PTE slot they read from so siblings sharing a
// table share one physical read, then steps each item past that entry.
func (t Translator) levelStage(r PhysicalReader, ld arch.Level, level, numLevels int) pipeline.ProcessorFunc[*walkState] {
	return func(items []*pipeline.Item[*walkState]) error {
		slotOf := func(st *walkState) addr.Address {
			idx := ld.Index(uint64(st.va))
			return st.tableBase + addr.Address(idx*uint64(ld.PTESize))
		}

		order := make([]addr.Address, 0, len(items))
		bufs := map[addr.Address][]byte{}
		members := map[addr.Address][]*pipeline.Item[*walkState]{}
		for _, it := range items {
			s := slotOf(it.Value)
			if _, ok := bufs[s]; !ok {
				bufs[s] = make([]byte, ld.PTESize)
				order = append(order, s)
			}
			members[s] = append(members[s], it)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

		reqs := make([]ReadRequest, 0, len(order))
		for _, s := range order {
			reqs = append(reqs, ReadRequest{Addr: s, Buf: bufs[s]})
		}
		if err := r.ReadPhysical(reqs); err != nil {
			return merr.Wrap(merr.ConnectorIO, fmt.Errorf("read page table level %s: %w", ld.Name, err))
		}

		for _, s := range order {
			pte := decodePTE(bufs[s], ld.PTESize, t.Desc.Endian)
			for _, it := range members[s] {
				t.stepLevel(it, ld, level, pte, numLevels)
			}
		}
		return nil
	}
}

func (t Translator) stepLevel(it *pipeline.Item[*walkState], ld arch.Level, level int, pte uint64, numLevels int) {
	st := it.Value
	mmu := t.Desc.MMU
	if !mmu.PageBit(pte, mmu.PTE.Present) {
		it.Fail(merr.New(merr.PageNotPresent, fmt.Sprintf("%s entry not present for %s", ld.Name, st.va)))
		return
	}

	writable := mmu.PageBit(pte, mmu.PTE.Writable)
	if mmu.PTE.WritableInverted {
		writable = !writable
	}
	noExec := mmu.PageBit(pte, mmu.PTE.NoExecute)
	isLeaf := level == numLevels-1
	isLarge := ld.LargePageSize != 0 && mmu.PageBit(pte, mmu.PTE.Large)

	nextAddr := addr.Address(((pte >> mmu.PTE.AddrShift) & mmu.PTE.AddrMask) << mmu.PTE.AddrShift)

	if isLeaf || isLarge {
		pageSize := ld.LargePageSize
		if pageSize == 0 {
			pageSize = t.Desc.PageSize
		}
		pageBase := nextAddr.AlignDown(pageSize)
		offset := st.va.PageOffset(pageSize)
		pt := addr.PageReadOnly
		if writable {
			pt |= addr.PageWriteable
		}
		if noExec {
			pt |= addr.PageNoExec
		}
		st.result = addr.WithPage(pageBase+addr.Address(offset), addr.PageDescriptor{
			PageType: pt,
			PageSize: pageSize,
			PageBase: pageBase,
		})
		it.Finish(st)
		return
	}

	st.tableBase = nextAddr
}

func decodePTE(buf []byte, size uint, end arch.Endianness) uint64 {
	var v uint64
	if end == arch.BigEndian {
		for i := uint(0); i < size; i++ {
			v = (v << 8) | uint64(buf[i])
		}
		return v
	}
	for i := int(size) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v
}
