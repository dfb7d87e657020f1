package chunk

import (
	"testing"

	"github.com/tinyrange/memprobe/internal/addr"
)

// Concrete scenario 6: buf len 10000, start 4090, page size 4096 splits
// into chunks of 6 / 4096 / 4096 / 1802 bytes at addresses
// 4090 / 4096 / 8192 / 12288.
func TestSplitCrossingPages(t *testing.T) {
	buf := make([]byte, 10000)
	chunks := Split(addr.Address(4090), buf, 4096)

	wantLens := []int{6, 4096, 4096, 1802}
	wantAddrs := []addr.Address{4090, 4096, 8192, 12288}
	wantBases := []addr.Address{0, 4096, 8192, 12288}

	if len(chunks) != len(wantLens) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(wantLens))
	}
	total := 0
	for i, c := range chunks {
		if len(c.Buf) != wantLens[i] {
			t.Errorf("chunk %d: len=%d, want %d", i, len(c.Buf), wantLens[i])
		}
		if c.Addr != wantAddrs[i] {
			t.Errorf("chunk %d: addr=%s, want %s", i, c.Addr, wantAddrs[i])
		}
		if c.PageBase != wantBases[i] {
			t.Errorf("chunk %d: pageBase=%s, want %s", i, c.PageBase, wantBases[i])
		}
		total += len(c.Buf)
	}
	if total != len(buf) {
		t.Fatalf("chunks cover %d bytes, want %d", total, len(buf))
	}
}

func TestSplitSinglePage(t *testing.T) {
	buf := make([]byte, 100)
	chunks := Split(addr.Address(0x1000), buf, 4096)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Buf) != 100 {
		t.Errorf("chunk len = %d, want 100", len(chunks[0].Buf))
	}
}

func TestSplitEmptyBuffer(t *testing.T) {
	if chunks := Split(addr.Address(0x1000), nil, 4096); chunks != nil {
		t.Fatalf("expected nil chunks for empty buffer, got %v", chunks)
	}
}

func TestSplitChunksReferenceOriginalBuffer(t *testing.T) {
	buf := make([]byte, 4096*2)
	chunks := Split(addr.Address(0), buf, 4096)
	chunks[1].Buf[0] = 0x42
	if buf[4096] != 0x42 {
		t.Fatal("chunk buffers must alias the original buffer, not copy it")
	}
}
