package arch

import "testing"

func TestLevelIndex(t *testing.T) {
	d := ByIdent(X86_64)
	// PML4 index of 0xffff800000000000 should be 0x100 (bit 47 set, index 256).
	pml4 := d.MMU.Levels[0]
	if got := pml4.Index(0xffff800000000000); got != 0x100 {
		t.Errorf("PML4 index = 0x%x, want 0x100", got)
	}
	pt := d.MMU.Levels[3]
	if got := pt.Index(0x1000); got != 1 {
		t.Errorf("PT index of 0x1000 = %d, want 1", got)
	}
}

func TestDescriptorShapes(t *testing.T) {
	cases := []struct {
		id         Ident
		wantLevels int
		wantBits   uint8
	}{
		{X86_32, 2, 32},
		{X86_32_PAE, 3, 32},
		{X86_64, 4, 64},
		{AArch64_4K, 4, 64},
	}
	for _, c := range cases {
		d := ByIdent(c.id)
		if len(d.MMU.Levels) != c.wantLevels {
			t.Errorf("%s: got %d levels, want %d", c.id, len(d.MMU.Levels), c.wantLevels)
		}
		if d.Bits != c.wantBits {
			t.Errorf("%s: got %d bits, want %d", c.id, d.Bits, c.wantBits)
		}
		if d.PageSize != 4096 {
			t.Errorf("%s: page size = %d, want 4096", c.id, d.PageSize)
		}
	}
}

func TestPTEBitsPresentWritable(t *testing.T) {
	d := ByIdent(X86_64)
	pte := uint64(0x3) // present | writable
	if !d.MMU.PageBit(pte, d.MMU.PTE.Present) {
		t.Fatal("present bit not detected")
	}
	if !d.MMU.PageBit(pte, d.MMU.PTE.Writable) {
		t.Fatal("writable bit not detected")
	}
	if d.MMU.PageBit(pte, d.MMU.PTE.NoExecute) {
		t.Fatal("NX bit should not be set")
	}
}

func TestByIdentPanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown ident")
		}
	}()
	ByIdent(Ident(255))
}
