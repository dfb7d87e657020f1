// Package addr defines the address and page-type types shared across the
// memory access pipeline: virtual/physical addresses, the physical address's
// optional page descriptor, and the page-type bitmask used to decide what
// the page cache is allowed to hold.
package addr

import "fmt"

// Address is a 64-bit virtual or physical address. The zero value is the
// null address; Invalid is a reserved all-ones sentinel meaning "no such
// address" (a failed translation, an empty slot).
type Address uint64

// Invalid is the reserved sentinel value meaning "no address".
const Invalid Address = ^Address(0)

// Null is the zero address.
const Null Address = 0

// IsValid reports whether a is not the Invalid sentinel.
func (a Address) IsValid() bool {
	return a != Invalid
}

// AlignDown rounds a down to the nearest multiple of pageSize, which must be
// a power of two.
func (a Address) AlignDown(pageSize uint64) Address {
	mask := Address(pageSize - 1)
	return a &^ mask
}

// PageOffset returns the offset of a within its pageSize-aligned page.
func (a Address) PageOffset(pageSize uint64) uint64 {
	return uint64(a) & (pageSize - 1)
}

// Sub returns the truncating difference a-b as a plain uint64, saturating at
// zero rather than wrapping if b > a (callers only use this between
// addresses already known to be ordered).
func (a Address) Sub(b Address) uint64 {
	if b > a {
		return 0
	}
	return uint64(a - b)
}

func (a Address) String() string {
	if a == Invalid {
		return "<invalid>"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

// PageType is a bitmask describing the attributes of a mapped page. It is a
// distinct type (never a raw int) so that cache masks and page attributes
// can't be accidentally cross-assigned.
type PageType uint32

// Page-type bits. Numeric values are part of the wire format for the
// persisted offset/connector metadata and must not change within a build.
const (
	PageNone      PageType = 0
	PageReadOnly  PageType = 1 << 0
	PageWriteable PageType = 1 << 1
	PageNoExec    PageType = 1 << 2
	PageTable     PageType = 1 << 3
)

// ContainsAll reports whether every bit set in want is also set in pt —
// "pt is a superset of want". Used the other way around by the cache: a
// page is cacheable when its own type is a *subset* of the cache's mask,
// i.e. mask.ContainsAll(pageType).
func (pt PageType) ContainsAll(want PageType) bool {
	return pt&want == want
}

func (pt PageType) String() string {
	if pt == PageNone {
		return "none"
	}
	s := ""
	add := func(bit PageType, name string) {
		if pt&bit != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(PageReadOnly, "R")
	add(PageWriteable, "W")
	add(PageNoExec, "NX")
	add(PageTable, "PT")
	return s
}

// PageDescriptor describes the page backing a PhysicalAddress: its type, the
// size of the page it belongs to (4KiB, 2MiB large page, 1GiB huge page,
// ...), and the page-aligned base address of that page.
type PageDescriptor struct {
	PageType PageType
	PageSize uint64
	PageBase Address
}

// PhysicalAddress pairs a physical address with an optional page
// descriptor. Page is the zero value (HasPage == false) when the address is
// not known to correspond to a mapped page, e.g. a raw physical probe that
// bypassed translation.
type PhysicalAddress struct {
	Address Address
	Page    PageDescriptor
	HasPage bool
}

// PhysAddr builds a PhysicalAddress with no page descriptor.
func PhysAddr(a Address) PhysicalAddress {
	return PhysicalAddress{Address: a}
}

// WithPage builds a PhysicalAddress with an attached page descriptor.
func WithPage(a Address, pd PageDescriptor) PhysicalAddress {
	return PhysicalAddress{Address: a, Page: pd, HasPage: true}
}

func (p PhysicalAddress) String() string {
	if !p.HasPage {
		return p.Address.String()
	}
	return fmt.Sprintf("%s (page=%s size=0x%x)", p.Address, p.Page.PageType, p.Page.PageSize)
}
