package winproc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/merr"
	"github.com/tinyrange/memprobe/internal/vmem"
)

// ProcessInfo is one entry from the _EPROCESS active process list.
type ProcessInfo struct {
	PID   uint32
	Name  string
	DTB   addr.Address
	PEB   addr.Address
	Wow64 bool
}

// ModuleInfo is one entry from a process's loaded-module list
// (_PEB_LDR_DATA.InLoadOrderModuleList).
type ModuleInfo struct {
	Base addr.Address
	Size uint64
	Name string
}

const (
	maxListIterations = 4096
	eprocNameLen      = 16 // _EPROCESS.ImageFileName is a fixed 16-byte ANSI buffer
)

// WalkProcesses follows the kernel's doubly linked active-process list
// starting at listHead (the address of a running process's _EPROCESS
// ActiveProcessLinks field) and returns every process it finds, including
// the one listHead started at. listHead is always read as a field inside
// an _EPROCESS, so a standalone list head such as PsActiveProcessHead is
// reported as a process too.
//
// sess must already be configured with the kernel's own DTB - process
// list pointers are kernel virtual addresses, read through kernel
// paging, never through a particular process's address space.
func WalkProcesses(sess *vmem.Session, off Offsets, listHead addr.Address) ([]ProcessInfo, error) {
	var procs []ProcessInfo
	seen := map[addr.Address]bool{listHead: true}

	first, err := readProcess(sess, off, listHead-addr.Address(off.EprocLink))
	if err != nil {
		return nil, fmt.Errorf("read _EPROCESS at list head %s: %w", listHead, err)
	}
	procs = append(procs, first)

	cur := listHead
	for i := 0; i < maxListIterations; i++ {
		flinkRaw, err := readPointer(sess, cur, off.pointerSize())
		if err != nil {
			return nil, fmt.Errorf("read ActiveProcessLinks.Flink at %s: %w", cur, err)
		}
		flink := addr.Address(flinkRaw)
		if flink == listHead || seen[flink] {
			break
		}
		seen[flink] = true

		eproc := flink - addr.Address(off.EprocLink)
		pi, err := readProcess(sess, off, eproc)
		if err != nil {
			return nil, fmt.Errorf("read _EPROCESS at %s: %w", eproc, err)
		}
		procs = append(procs, pi)
		cur = flink
	}
	return procs, nil
}

func readProcess(sess *vmem.Session, off Offsets, eproc addr.Address) (ProcessInfo, error) {
	dtb, err := readPointer(sess, eproc+addr.Address(off.KprocDtb), off.pointerSize())
	if err != nil {
		return ProcessInfo{}, err
	}
	pid, err := readPointer(sess, eproc+addr.Address(off.EprocPid), off.pointerSize())
	if err != nil {
		return ProcessInfo{}, err
	}
	nameBuf := make([]byte, eprocNameLen)
	if err := sess.Read(eproc+addr.Address(off.EprocName), nameBuf); err != nil {
		return ProcessInfo{}, err
	}
	peb, err := readPointer(sess, eproc+addr.Address(off.EprocPeb), off.pointerSize())
	if err != nil {
		return ProcessInfo{}, err
	}
	wow64, err := readPointer(sess, eproc+addr.Address(off.EprocWow64), off.pointerSize())
	if err != nil {
		return ProcessInfo{}, err
	}

	return ProcessInfo{
		PID:   uint32(pid),
		Name:  cString(nameBuf),
		DTB:   addr.Address(dtb),
		PEB:   addr.Address(peb),
		Wow64: wow64 != 0,
	}, nil
}

// WalkModules follows a process's InLoadOrderModuleList starting from its
// PEB. sess must be configured with that process's own DTB, since the PEB
// and loader data live in the process's user-mode address space.
func WalkModules(sess *vmem.Session, off Offsets, peb addr.Address) ([]ModuleInfo, error) {
	ldr, err := readPointer(sess, peb+addr.Address(off.pebLdr()), off.pointerSize())
	if err != nil {
		return nil, fmt.Errorf("read PEB.Ldr: %w", err)
	}
	listHead := addr.Address(ldr) + addr.Address(off.ldrList())

	var mods []ModuleInfo
	seen := map[addr.Address]bool{}
	cur := listHead
	for i := 0; i < maxListIterations; i++ {
		flinkRaw, err := readPointer(sess, cur, off.pointerSize())
		if err != nil {
			return nil, fmt.Errorf("read InLoadOrderModuleList.Flink at %s: %w", cur, err)
		}
		flink := addr.Address(flinkRaw)
		if flink == listHead || seen[flink] {
			break
		}
		seen[flink] = true

		entry := flink - addr.Address(off.ldrList())
		mi, err := readModule(sess, off, entry)
		if err != nil {
			return nil, fmt.Errorf("read _LDR_DATA_TABLE_ENTRY at %s: %w", entry, err)
		}
		mods = append(mods, mi)
		cur = flink
	}
	return mods, nil
}

func readModule(sess *vmem.Session, off Offsets, entry addr.Address) (ModuleInfo, error) {
	base, err := readPointer(sess, entry+addr.Address(off.ldrDataBase()), off.pointerSize())
	if err != nil {
		return ModuleInfo{}, err
	}
	size, err := readPointer(sess, entry+addr.Address(off.ldrDataSize()), 4)
	if err != nil {
		return ModuleInfo{}, err
	}

	// BaseDllName is a UNICODE_STRING {Length u16; MaximumLength u16;
	// Buffer ptr}. The Buffer pointer sits right after the two u16
	// fields, 8-byte aligned on x64.
	nameOff := addr.Address(off.ldrDataName())
	lenBuf := make([]byte, 2)
	if err := sess.Read(entry+nameOff, lenBuf); err != nil {
		return ModuleInfo{}, err
	}
	strLen := binary.LittleEndian.Uint16(lenBuf)

	bufPtrOff := nameOff + 8
	if !off.Is64 {
		bufPtrOff = nameOff + 4
	}
	bufPtr, err := readPointer(sess, entry+bufPtrOff, off.pointerSize())
	if err != nil {
		return ModuleInfo{}, err
	}

	name := ""
	if strLen > 0 {
		raw := make([]byte, strLen)
		if err := sess.Read(addr.Address(bufPtr), raw); err != nil {
			return ModuleInfo{}, err
		}
		name = utf16ToString(raw)
	}

	return ModuleInfo{Base: addr.Address(base), Size: size, Name: name}, nil
}

func readPointer(sess *vmem.Session, at addr.Address, size uint64) (uint64, error) {
	buf := make([]byte, size)
	if err := sess.Read(at, buf); err != nil {
		return 0, merr.Wrap(merr.ConnectorIO, err)
	}
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(buf[i])
	}
	return v, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func utf16ToString(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}
