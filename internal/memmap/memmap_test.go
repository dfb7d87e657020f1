package memmap

import (
	"testing"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/merr"
)

func TestAddMappingRejectsOverlap(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0x1000, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMapping(0x1800, 0x1000, 0x2000); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestTranslateSingleEntry(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0x2000, 0x500000); err != nil {
		t.Fatal(err)
	}
	chunks, err := m.Translate(0x1500, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].RealAddr != 0x500500 {
		t.Errorf("RealAddr = %s, want 0x500500", chunks[0].RealAddr)
	}
	if chunks[0].Length != 0x100 {
		t.Errorf("Length = %d, want 0x100", chunks[0].Length)
	}
}

func TestTranslateSpansMultipleEntries(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0x1000, 0x100000); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMapping(0x3000, 0x1000, 0x200000); err != nil {
		t.Fatal(err)
	}
	// gap between 0x2000 and 0x3000 is intentionally unmapped.
	_, err := m.Translate(0x1000, 0x3000)
	if err == nil {
		t.Fatal("expected out-of-bounds error crossing the gap")
	}
	if !merr.Is(err, merr.OutOfBounds) {
		t.Fatalf("expected OutOfBounds, got %v", err)
	}
}

func TestTranslateOutOfBounds(t *testing.T) {
	m := New()
	_, err := m.Translate(0x9999, 0x10)
	if !merr.Is(err, merr.OutOfBounds) {
		t.Fatalf("expected OutOfBounds, got %v", err)
	}
}

func TestAdjacentMappingsCoalesce(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0x1000, 0x100000); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMapping(0x2000, 0x1000, 0x101000); err != nil {
		t.Fatal(err)
	}
	entries := m.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected coalesced single entry, got %d", len(entries))
	}
	if entries[0].Length != 0x2000 {
		t.Errorf("coalesced length = %d, want 0x2000", entries[0].Length)
	}
}

func TestContains(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0x1000, 0); err != nil {
		t.Fatal(err)
	}
	if !m.Contains(addr.Address(0x1500)) {
		t.Fatal("expected 0x1500 to be contained")
	}
	if m.Contains(addr.Address(0x5000)) {
		t.Fatal("expected 0x5000 to not be contained")
	}
}

func TestAddMappingZeroLengthRejected(t *testing.T) {
	m := New()
	if err := m.AddMapping(0x1000, 0, 0); err == nil {
		t.Fatal("expected error for zero-length mapping")
	}
}
