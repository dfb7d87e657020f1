package connector

import (
	"fmt"

	"github.com/tinyrange/memprobe/internal/memmap"
	"github.com/tinyrange/memprobe/internal/merr"
)

// Dummy is an in-memory PhysicalMemory backed by a plain byte slice. It
// exists for tests and examples that need a PhysicalMemory without a real
// dump file or hypervisor, and mirrors the bounds-checked byte-slice
// device used elsewhere in the tree for synthetic guest memory.
type Dummy struct {
	buf      []byte
	readonly bool
	memMap   *memmap.MemoryMap
}

// NewDummy returns a Dummy of the given size, zero-filled.
func NewDummy(size uint64) *Dummy {
	return &Dummy{buf: make([]byte, size)}
}

// NewDummyFromBytes wraps an existing byte slice directly (no copy).
func NewDummyFromBytes(buf []byte) *Dummy {
	return &Dummy{buf: buf}
}

func (d *Dummy) SetReadonly(ro bool) {
	d.readonly = ro
}

func (d *Dummy) SetMemoryMap(m *memmap.MemoryMap) {
	d.memMap = m
}

func (d *Dummy) Metadata() Metadata {
	return Metadata{Size: uint64(len(d.buf)), Readonly: d.readonly}
}

func (d *Dummy) resolve(a ReadRequest) (uint64, uint64, error) {
	if d.memMap == nil {
		return uint64(a.Addr), uint64(len(a.Buf)), nil
	}
	chunks, err := d.memMap.Translate(a.Addr, uint64(len(a.Buf)))
	if err != nil {
		return 0, 0, err
	}
	if len(chunks) != 1 {
		return 0, 0, merr.New(merr.OutOfBounds, "dummy connector requires non-split mapped requests")
	}
	return uint64(chunks[0].RealAddr), chunks[0].Length, nil
}

func (d *Dummy) ReadList(reqs []ReadRequest) error {
	for _, r := range reqs {
		real, n, err := d.resolve(r)
		if err != nil {
			return err
		}
		if real+n > uint64(len(d.buf)) {
			return merr.New(merr.OutOfBounds, fmt.Sprintf("read [%#x, %#x) exceeds dummy size %#x", real, real+n, len(d.buf)))
		}
		copy(r.Buf, d.buf[real:real+n])
	}
	return nil
}

func (d *Dummy) WriteList(reqs []WriteRequest) error {
	if d.readonly {
		return merr.New(merr.ConnectorIO, "dummy connector is read-only")
	}
	for _, w := range reqs {
		real, n, err := d.resolve(ReadRequest{Addr: w.Addr, Buf: make([]byte, len(w.Data))})
		if err != nil {
			return err
		}
		if real+n > uint64(len(d.buf)) {
			return merr.New(merr.OutOfBounds, fmt.Sprintf("write [%#x, %#x) exceeds dummy size %#x", real, real+n, len(d.buf)))
		}
		copy(d.buf[real:real+n], w.Data)
	}
	return nil
}
