// Package arch describes the fixed set of CPU architectures the pipeline
// knows how to walk page tables for, and their page-table layouts.
//
// The set is closed by design (spec Non-goal: no architectures beyond the
// four below) — callers select one of the exported Descriptor values by
// Ident, they do not construct their own.
package arch

import "fmt"

// Endianness is the byte order a target architecture's integers are stored
// in.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) String() string {
	if e == BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

// Ident identifies one of the supported architectures.
type Ident uint8

const (
	X86_32 Ident = iota
	X86_32_PAE
	X86_64
	AArch64_4K
)

func (id Ident) String() string {
	switch id {
	case X86_32:
		return "x86_32"
	case X86_32_PAE:
		return "x86_32_pae"
	case X86_64:
		return "x86_64"
	case AArch64_4K:
		return "aarch64_4k"
	default:
		return fmt.Sprintf("Ident(%d)", id)
	}
}

// Level describes one level of a multi-level page-table walk, from root to
// leaf. BitLow/BitHigh select the index bits out of the virtual address
// (inclusive). PTESize is the width in bytes of an entry at this level.
type Level struct {
	Name    string
	BitLow  uint
	BitHigh uint
	PTESize uint
	// LargePageSize is the page size this level's PTE maps to when its
	// "large page" bit is set; 0 if this level has no large-page form.
	LargePageSize uint64
}

// IndexBits returns the number of virtual-address bits this level indexes.
func (l Level) IndexBits() uint {
	return l.BitHigh - l.BitLow + 1
}

// Index extracts this level's index out of a virtual address.
func (l Level) Index(va uint64) uint64 {
	mask := uint64(1)<<l.IndexBits() - 1
	return (va >> l.BitLow) & mask
}

// PTEBits names the bit positions used to decode a page-table entry. All
// four supported architectures express "present", "writable", "no-execute"
// and "large page" as single bits, just at different offsets.
type PTEBits struct {
	Present   uint
	Writable  uint
	NoExecute uint
	Large     uint
	// AddrShift is the bit at which the next-level (or final) physical
	// address begins within the PTE.
	AddrShift uint
	// AddrMask, applied after shifting right by AddrShift, isolates the
	// physical page-frame-number bits (excludes flag bits above the PFN).
	AddrMask uint64
	// WritableInverted is true when the Writable bit is a "read-only"
	// flag instead of a "writable" flag (AArch64's AP[2]: set means
	// read-only). The walker treats Writable as "set means writable"
	// everywhere else, so it flips the sense here rather than at each
	// call site.
	WritableInverted bool
}

// MMUDef is the architecture-specific page-table-walk definition: an
// ordered list of levels from root to leaf, plus the PTE bit layout.
type MMUDef struct {
	Levels  []Level
	PTE     PTEBits
	PageBit func(pte uint64, shift uint) bool
}

func bit(pte uint64, shift uint) bool {
	return pte&(uint64(1)<<shift) != 0
}

// Descriptor is the immutable, architecture-wide set of constants the
// translator and cache need: bitness, endianness, page size, pointer size,
// address-space width, and the MMU walk definition.
type Descriptor struct {
	Ident            Ident
	Bits             uint8
	Endian           Endianness
	PageSize         uint64
	PointerSize      uint8
	AddressSpaceBits uint8
	MMU              MMUDef
}

const fourK = 4096

// x86_32 (2-level, no PAE): 10/10/12 split, 4-byte PTEs, no large-page bit
// on the leaf level beyond the PDE's PS bit for 4MiB pages.
var x86_32Descriptor = Descriptor{
	Ident:            X86_32,
	Bits:             32,
	Endian:           LittleEndian,
	PageSize:         fourK,
	PointerSize:      4,
	AddressSpaceBits: 32,
	MMU: MMUDef{
		Levels: []Level{
			{Name: "PD", BitLow: 22, BitHigh: 31, PTESize: 4, LargePageSize: 4 << 20},
			{Name: "PT", BitLow: 12, BitHigh: 21, PTESize: 4},
		},
		PTE: PTEBits{Present: 0, Writable: 1, NoExecute: 63 /* unsupported on x86_32 */, Large: 7, AddrShift: 12, AddrMask: 0xfffff},
	},
}

// x86_32_pae (3-level): PDPT/PD/PT, 8-byte PTEs, 36-bit address space.
var x86_32PAEDescriptor = Descriptor{
	Ident:            X86_32_PAE,
	Bits:             32,
	Endian:           LittleEndian,
	PageSize:         fourK,
	PointerSize:      4,
	AddressSpaceBits: 36,
	MMU: MMUDef{
		Levels: []Level{
			{Name: "PDPT", BitLow: 30, BitHigh: 31, PTESize: 8},
			{Name: "PD", BitLow: 21, BitHigh: 29, PTESize: 8, LargePageSize: 2 << 20},
			{Name: "PT", BitLow: 12, BitHigh: 20, PTESize: 8},
		},
		PTE: PTEBits{Present: 0, Writable: 1, NoExecute: 63, Large: 7, AddrShift: 12, AddrMask: 0xffffff},
	},
}

// x86_64 (4-level, 48-bit VA): PML4/PDPT/PD/PT, 8-byte PTEs.
var x86_64Descriptor = Descriptor{
	Ident:            X86_64,
	Bits:             64,
	Endian:           LittleEndian,
	PageSize:         fourK,
	PointerSize:      8,
	AddressSpaceBits: 48,
	MMU: MMUDef{
		Levels: []Level{
			{Name: "PML4", BitLow: 39, BitHigh: 47, PTESize: 8},
			{Name: "PDPT", BitLow: 30, BitHigh: 38, PTESize: 8, LargePageSize: 1 << 30},
			{Name: "PD", BitLow: 21, BitHigh: 29, PTESize: 8, LargePageSize: 2 << 20},
			{Name: "PT", BitLow: 12, BitHigh: 20, PTESize: 8},
		},
		PTE: PTEBits{Present: 0, Writable: 1, NoExecute: 63, Large: 7, AddrShift: 12, AddrMask: 0xffffffffff},
	},
}

// aarch64_4k (4-level, 48-bit VA, 4KiB granule): mirrors the x86_64 shape,
// with the descriptor's valid bit (bit 0) serving as "present"; a clear
// valid bit produces PageNotPresent. The AF (accessed) bit is not checked.
var aarch64Descriptor = Descriptor{
	Ident:            AArch64_4K,
	Bits:             64,
	Endian:           LittleEndian,
	PageSize:         fourK,
	PointerSize:      8,
	AddressSpaceBits: 48,
	MMU: MMUDef{
		Levels: []Level{
			{Name: "L0", BitLow: 39, BitHigh: 47, PTESize: 8},
			{Name: "L1", BitLow: 30, BitHigh: 38, PTESize: 8, LargePageSize: 1 << 30},
			{Name: "L2", BitLow: 21, BitHigh: 29, PTESize: 8, LargePageSize: 2 << 20},
			{Name: "L3", BitLow: 12, BitHigh: 20, PTESize: 8},
		},
		PTE: PTEBits{Present: 0, Writable: 7 /* AP[2]: set means read-only */, NoExecute: 54, Large: 1, AddrShift: 12, AddrMask: 0xffffffffff, WritableInverted: true},
	},
}

func init() {
	for _, d := range []*Descriptor{&x86_32Descriptor, &x86_32PAEDescriptor, &x86_64Descriptor, &aarch64Descriptor} {
		d.MMU.PageBit = bit
	}
}

// ByIdent looks up the fixed Descriptor for an Ident. Supported idents
// always succeed; this never returns an error because the set is closed.
func ByIdent(id Ident) Descriptor {
	switch id {
	case X86_32:
		return x86_32Descriptor
	case X86_32_PAE:
		return x86_32PAEDescriptor
	case X86_64:
		return x86_64Descriptor
	case AArch64_4K:
		return aarch64Descriptor
	default:
		panic(fmt.Sprintf("arch: unknown ident %d", id))
	}
}
