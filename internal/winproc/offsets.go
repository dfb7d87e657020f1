// Package winproc supplements the distilled pipeline spec with the
// Windows-specific process and module list walk memflow-win32 builds on
// top of it: given the field offsets for a particular kernel build, walk
// the doubly linked _EPROCESS list and, per process, its loaded-module
// list. Offset resolution from a kernel PDB is out of scope - Offsets is
// either hand-populated for a known build or loaded from a persisted
// OffsetRecord; SymbolResolver and KernelLocator are declared so a future
// resolver has an interface to implement against, with no implementation
// here.
package winproc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/memprobe/internal/addr"
)

// Offsets holds the per-build _EPROCESS/_KPROCESS/_PEB/_TEB field offsets
// needed to walk the process list. Field names abbreviate the structure
// and member they locate (Eproc = _EPROCESS, Kproc = _KPROCESS, Kthread =
// _KTHREAD, Ethread = _ETHREAD, Teb = _TEB).
type Offsets struct {
	ListBlink        uint32
	EprocLink        uint32
	KprocDtb         uint32
	EprocPid         uint32
	EprocName        uint32
	EprocPeb         uint32
	EprocThreadList  uint32
	EprocWow64       uint32
	KthreadTeb       uint32
	EthreadListEntry uint32
	TebPeb           uint32
	TebPebX86        uint32
	Is64             bool
}

// _PEB_LDR_DATA / _LDR_DATA_TABLE_ENTRY offsets are stable per bitness
// across kernel builds, unlike the fields in Offsets, so they're
// constants rather than something a resolver needs to populate.
const (
	pebLdrX86      = 0xC
	pebLdrX64      = 0x18
	ldrListX86     = 0xC
	ldrListX64     = 0x10
	ldrDataBaseX86 = 0x18
	ldrDataBaseX64 = 0x30
	ldrDataSizeX86 = 0x20
	ldrDataSizeX64 = 0x40
	ldrDataNameX86 = 0x2C
	ldrDataNameX64 = 0x58
)

func (o Offsets) pebLdr() uint32 {
	if o.Is64 {
		return pebLdrX64
	}
	return pebLdrX86
}

func (o Offsets) ldrList() uint32 {
	if o.Is64 {
		return ldrListX64
	}
	return ldrListX86
}

func (o Offsets) ldrDataBase() uint32 {
	if o.Is64 {
		return ldrDataBaseX64
	}
	return ldrDataBaseX86
}

func (o Offsets) ldrDataSize() uint32 {
	if o.Is64 {
		return ldrDataSizeX64
	}
	return ldrDataSizeX86
}

func (o Offsets) ldrDataName() uint32 {
	if o.Is64 {
		return ldrDataNameX64
	}
	return ldrDataNameX86
}

func (o Offsets) pointerSize() uint64 {
	if o.Is64 {
		return 8
	}
	return 4
}

// OffsetRecord is the fixed-size binary form of Offsets persisted to and
// loaded from an offset cache file, so resolving a build's offsets (by
// whatever means) only has to happen once per build.
type OffsetRecord struct {
	ListBlink        uint32
	EprocLink        uint32
	KprocDtb         uint32
	EprocPid         uint32
	EprocName        uint32
	EprocPeb         uint32
	EprocThreadList  uint32
	EprocWow64       uint32
	KthreadTeb       uint32
	EthreadListEntry uint32
	TebPeb           uint32
	TebPebX86        uint32
	Is64             uint32 // 0 or 1; binary.Write needs a fixed-width type, not bool
}

func toRecord(o Offsets) OffsetRecord {
	is64 := uint32(0)
	if o.Is64 {
		is64 = 1
	}
	return OffsetRecord{
		ListBlink: o.ListBlink, EprocLink: o.EprocLink, KprocDtb: o.KprocDtb,
		EprocPid: o.EprocPid, EprocName: o.EprocName, EprocPeb: o.EprocPeb,
		EprocThreadList: o.EprocThreadList, EprocWow64: o.EprocWow64,
		KthreadTeb: o.KthreadTeb, EthreadListEntry: o.EthreadListEntry,
		TebPeb: o.TebPeb, TebPebX86: o.TebPebX86, Is64: is64,
	}
}

func fromRecord(r OffsetRecord) Offsets {
	return Offsets{
		ListBlink: r.ListBlink, EprocLink: r.EprocLink, KprocDtb: r.KprocDtb,
		EprocPid: r.EprocPid, EprocName: r.EprocName, EprocPeb: r.EprocPeb,
		EprocThreadList: r.EprocThreadList, EprocWow64: r.EprocWow64,
		KthreadTeb: r.KthreadTeb, EthreadListEntry: r.EthreadListEntry,
		TebPeb: r.TebPeb, TebPebX86: r.TebPebX86, Is64: r.Is64 != 0,
	}
}

// WriteOffsetRecord serializes o as a fixed-size little-endian record.
func WriteOffsetRecord(w io.Writer, o Offsets) error {
	if err := binary.Write(w, binary.LittleEndian, toRecord(o)); err != nil {
		return fmt.Errorf("write offset record: %w", err)
	}
	return nil
}

// ReadOffsetRecord deserializes an Offsets previously written by
// WriteOffsetRecord.
func ReadOffsetRecord(r io.Reader) (Offsets, error) {
	var rec OffsetRecord
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return Offsets{}, fmt.Errorf("read offset record: %w", err)
	}
	return fromRecord(rec), nil
}

// SymbolResolver resolves a symbol's offset within a module from debug
// info (a PDB, DWARF, ...). memprobe does not implement a resolver itself;
// this interface exists so one can be plugged in without changing the
// process/module walk code above it.
type SymbolResolver interface {
	ResolveOffset(module, symbol string) (uint64, error)
}

// KernelLocator finds the running kernel's image base and build
// identifier inside a physical memory dump, the prerequisite step to
// picking a SymbolResolver's debug info. Also not implemented here.
type KernelLocator interface {
	LocateKernel() (base addr.Address, buildID string, err error)
}
