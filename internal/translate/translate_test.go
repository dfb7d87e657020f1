package translate

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/arch"
	"github.com/tinyrange/memprobe/internal/merr"
)

// flatMem is a PhysicalReader backed by a single contiguous byte buffer,
// used to build small synthetic page tables for the walker tests.
type flatMem struct {
	buf []byte
}

func newFlatMem(size int) *flatMem {
	return &flatMem{buf: make([]byte, size)}
}

func (m *flatMem) ReadPhysical(reqs []ReadRequest) error {
	for _, req := range reqs {
		off := int(req.Addr)
		copy(req.Buf, m.buf[off:off+len(req.Buf)])
	}
	return nil
}

func (m *flatMem) putPTE(tableBase addr.Address, index uint64, pteSize uint, val uint64) {
	off := int(tableBase) + int(index)*int(pteSize)
	var full [8]byte
	binary.LittleEndian.PutUint64(full[:], val)
	copy(m.buf[off:off+int(pteSize)], full[:pteSize])
}

func TestVirtToPhysFourLevelWalkX86_64(t *testing.T) {
	d := arch.ByIdent(arch.X86_64)
	tr := New(d)
	mem := newFlatMem(0x40000)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
		leafPage = 0x5000
	)
	va := addr.Address(0x1000)
	levels := d.MMU.Levels
	mem.putPTE(pml4Base, levels[0].Index(uint64(va)), levels[0].PTESize, uint64(pdptBase)|0x3)
	mem.putPTE(pdptBase, levels[1].Index(uint64(va)), levels[1].PTESize, uint64(pdBase)|0x3)
	mem.putPTE(pdBase, levels[2].Index(uint64(va)), levels[2].PTESize, uint64(ptBase)|0x3)
	mem.putPTE(ptBase, levels[3].Index(uint64(va)), levels[3].PTESize, uint64(leafPage)|0x3)

	pa, err := tr.VirtToPhys(addr.Address(pml4Base), mem, va)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if pa.Address != addr.Address(leafPage) {
		t.Fatalf("got PA %s, want %s", pa.Address, addr.Address(leafPage))
	}
	if !pa.HasPage {
		t.Fatal("expected page descriptor")
	}
	if !pa.Page.PageType.ContainsAll(addr.PageWriteable) {
		t.Fatal("expected writable bit set")
	}
}

// Concrete scenario 1: an x86-64 PD entry with its large-page bit set maps
// a 2 MiB region directly, skipping the PT level entirely. An identity
// mapping of the 2 MiB page starting at physical 0 puts
// virt_to_phys(0x12345) at phys=0x12345, inside a 2 MiB, writeable page.
func TestVirtToPhysLargePage2MiB(t *testing.T) {
	d := arch.ByIdent(arch.X86_64)
	tr := New(d)
	mem := newFlatMem(0x40000)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
	)
	va := addr.Address(0x12345)
	levels := d.MMU.Levels
	mem.putPTE(pml4Base, levels[0].Index(uint64(va)), levels[0].PTESize, uint64(pdptBase)|0x3)
	mem.putPTE(pdptBase, levels[1].Index(uint64(va)), levels[1].PTESize, uint64(pdBase)|0x3)
	// PD entry: present | writable | large (bit 7), physical base 0 -
	// identity-maps the whole 2 MiB region starting at 0.
	mem.putPTE(pdBase, levels[2].Index(uint64(va)), levels[2].PTESize, 0x3|(1<<7))

	pa, err := tr.VirtToPhys(addr.Address(pml4Base), mem, va)
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if pa.Address != va {
		t.Fatalf("got PA %s, want %s (identity)", pa.Address, va)
	}
	if !pa.HasPage {
		t.Fatal("expected page descriptor")
	}
	if pa.Page.PageSize != 2<<20 {
		t.Fatalf("got page size %#x, want 2 MiB", pa.Page.PageSize)
	}
	if !pa.Page.PageType.ContainsAll(addr.PageWriteable) {
		t.Fatal("expected writable bit set")
	}
}

func TestVirtToPhysListInvalidArchitectureDTB(t *testing.T) {
	d := arch.ByIdent(arch.X86_64)
	tr := New(d)
	mem := newFlatMem(0x40000)

	// x86-64 carries a 48-bit address space; a DTB outside that range
	// cannot belong to it.
	badDTB := addr.Address(uint64(1) << 50)
	results := tr.VirtToPhysList(badDTB, mem, []addr.Address{0x1000, 0x2000})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, res := range results {
		if !merr.Is(res.Err, merr.InvalidArchitecture) {
			t.Errorf("result %d: got err %v, want InvalidArchitecture", i, res.Err)
		}
	}
}

func TestVirtToPhysMissingPTE(t *testing.T) {
	d := arch.ByIdent(arch.X86_64)
	tr := New(d)
	mem := newFlatMem(0x40000)

	const pml4Base = 0x1000
	va := addr.Address(0x2000)
	// PML4 entry left at zero: present bit clear.

	_, err := tr.VirtToPhys(addr.Address(pml4Base), mem, va)
	if err == nil {
		t.Fatal("expected error for not-present entry")
	}
	if !merr.Is(err, merr.PageNotPresent) {
		t.Fatalf("expected PageNotPresent, got %v", err)
	}
}

func TestVirtToPhysListBatchesSiblings(t *testing.T) {
	d := arch.ByIdent(arch.X86_64)
	tr := New(d)
	mem := newFlatMem(0x40000)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
	)
	levels := d.MMU.Levels
	va1 := addr.Address(0x1000)
	va2 := addr.Address(0x2000) // same PT, different PTE index
	mem.putPTE(pml4Base, levels[0].Index(uint64(va1)), levels[0].PTESize, uint64(pdptBase)|0x3)
	mem.putPTE(pdptBase, levels[1].Index(uint64(va1)), levels[1].PTESize, uint64(pdBase)|0x3)
	mem.putPTE(pdBase, levels[2].Index(uint64(va1)), levels[2].PTESize, uint64(ptBase)|0x3)
	mem.putPTE(ptBase, levels[3].Index(uint64(va1)), levels[3].PTESize, uint64(0x5000)|0x3)
	mem.putPTE(ptBase, levels[3].Index(uint64(va2)), levels[3].PTESize, uint64(0x6000)|0x3)

	results := tr.VirtToPhysList(addr.Address(pml4Base), mem, []addr.Address{va1, va2})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err != nil || results[0].PA.Address != 0x5000 {
		t.Errorf("va1: got %+v", results[0])
	}
	if results[1].Err != nil || results[1].PA.Address != 0x6000 {
		t.Errorf("va2: got %+v", results[1])
	}
}

func TestTranslationTableIDAligns(t *testing.T) {
	tr := New(arch.ByIdent(arch.X86_64))
	if got := tr.TranslationTableID(0x1234); got != 0x1000 {
		t.Errorf("TranslationTableID = %s, want 0x1000", got)
	}
}
