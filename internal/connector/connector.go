// Package connector defines the PhysicalMemory interface that every
// backend - a raw memory dump, a hypervisor snapshot, a test double -
// implements, plus small adapters that let a PhysicalMemory serve as the
// batched physical reader the translate and pagecache packages expect.
package connector

import (
	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/memmap"
	"github.com/tinyrange/memprobe/internal/pagecache"
	"github.com/tinyrange/memprobe/internal/translate"
)

// ReadRequest is one physical read: fill Buf with len(Buf) bytes starting
// at Addr.
type ReadRequest struct {
	Addr addr.Address
	Buf  []byte
}

// WriteRequest is one physical write: store Data starting at Addr.
type WriteRequest struct {
	Addr addr.Address
	Data []byte
}

// Metadata describes a connector's backing memory.
type Metadata struct {
	Size     uint64
	Readonly bool
}

// PhysicalMemory is the interface every memory backend implements. ReadList
// and WriteList take a batch so an implementation backed by a remote or
// slow transport can pipeline or parallelize the underlying I/O instead of
// handling one request per round trip.
type PhysicalMemory interface {
	ReadList(reqs []ReadRequest) error
	WriteList(reqs []WriteRequest) error
	Metadata() Metadata

	// SetMemoryMap installs the guest-physical to connector-address
	// remapping used to translate every subsequent request. A connector
	// with no remapping (guest-physical == connector-address) is never
	// given one and treats requests as already-real addresses.
	SetMemoryMap(m *memmap.MemoryMap)
}

// AsTranslateReader adapts a PhysicalMemory to translate.PhysicalReader,
// so the page-table walker can read PTEs straight out of any connector.
func AsTranslateReader(pm PhysicalMemory) translate.PhysicalReader {
	return translateAdapter{pm}
}

type translateAdapter struct{ pm PhysicalMemory }

func (a translateAdapter) ReadPhysical(reqs []translate.ReadRequest) error {
	out := make([]ReadRequest, len(reqs))
	for i, r := range reqs {
		out[i] = ReadRequest{Addr: r.Addr, Buf: r.Buf}
	}
	return a.pm.ReadList(out)
}

// AsPageReader adapts a PhysicalMemory to pagecache.PageReader, so the
// page cache can fill slots straight out of any connector.
func AsPageReader(pm PhysicalMemory) pagecache.PageReader {
	return pageReaderAdapter{pm}
}

type pageReaderAdapter struct{ pm PhysicalMemory }

func (a pageReaderAdapter) ReadPhysical(reqs []pagecache.PageReadRequest) error {
	out := make([]ReadRequest, len(reqs))
	for i, r := range reqs {
		out[i] = ReadRequest{Addr: r.Addr, Buf: r.Buf}
	}
	return a.pm.ReadList(out)
}
