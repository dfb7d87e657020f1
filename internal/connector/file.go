package connector

import (
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/memprobe/internal/memmap"
	"github.com/tinyrange/memprobe/internal/merr"
)

// File is a PhysicalMemory backed by an mmapped physical memory dump, the
// Go analogue of memflow's MmapInfo/filemap connector: the dump is mapped
// once and every read or write afterward is a plain slice copy rather
// than a seek-then-read syscall pair. Requests within a single ReadList or
// WriteList call are serviced concurrently via errgroup, since each one
// is an independent slice copy with no shared mutable state once the
// mapping exists.
type File struct {
	f        *os.File
	data     []byte
	readonly bool
	memMap   *memmap.MemoryMap
}

// OpenFile mmaps path read-only and returns a File connector over it.
func OpenFile(path string) (*File, error) {
	return openFile(path, true)
}

// OpenFileWritable mmaps path read-write.
func OpenFileWritable(path string) (*File, error) {
	return openFile(path, false)
}

func openFile(path string, readonly bool) (*File, error) {
	flag := os.O_RDONLY
	if !readonly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, merr.WithDetail(merr.ConnectorIO, merr.DetailMap, fmt.Errorf("open %s: %w", path, err))
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, merr.WithDetail(merr.ConnectorIO, merr.DetailMap, fmt.Errorf("stat %s: %w", path, err))
	}

	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, merr.WithDetail(merr.ConnectorIO, merr.DetailMap, fmt.Errorf("mmap %s: %w", path, err))
	}
	return &File{f: f, data: data, readonly: readonly}, nil
}

// Close unmaps the dump and closes the underlying file.
func (fc *File) Close() error {
	if fc.data != nil {
		if err := unix.Munmap(fc.data); err != nil {
			return merr.WithDetail(merr.ConnectorIO, merr.DetailMap, err)
		}
		fc.data = nil
	}
	return fc.f.Close()
}

func (fc *File) SetMemoryMap(m *memmap.MemoryMap) {
	fc.memMap = m
}

func (fc *File) Metadata() Metadata {
	return Metadata{Size: uint64(len(fc.data)), Readonly: fc.readonly}
}

func (fc *File) resolve(a ReadRequest) (uint64, uint64, error) {
	if fc.memMap == nil {
		return uint64(a.Addr), uint64(len(a.Buf)), nil
	}
	chunks, err := fc.memMap.Translate(a.Addr, uint64(len(a.Buf)))
	if err != nil {
		return 0, 0, err
	}
	if len(chunks) != 1 {
		return 0, 0, merr.New(merr.OutOfBounds, "file connector requires non-split mapped requests")
	}
	return uint64(chunks[0].RealAddr), chunks[0].Length, nil
}

func (fc *File) ReadList(reqs []ReadRequest) error {
	var g errgroup.Group
	for _, r := range reqs {
		r := r
		g.Go(func() error {
			real, n, err := fc.resolve(r)
			if err != nil {
				return err
			}
			if real+n > uint64(len(fc.data)) {
				return merr.WithDetail(merr.ConnectorIO, merr.DetailRead, fmt.Errorf("read [%#x, %#x) exceeds dump size %#x", real, real+n, len(fc.data)))
			}
			copy(r.Buf, fc.data[real:real+n])
			return nil
		})
	}
	return g.Wait()
}

func (fc *File) WriteList(reqs []WriteRequest) error {
	if fc.readonly {
		return merr.WithDetail(merr.ConnectorIO, merr.DetailWrite, fmt.Errorf("dump was opened read-only"))
	}
	var g errgroup.Group
	for _, w := range reqs {
		w := w
		g.Go(func() error {
			real, n, err := fc.resolve(ReadRequest{Addr: w.Addr, Buf: make([]byte, len(w.Data))})
			if err != nil {
				return err
			}
			if real+n > uint64(len(fc.data)) {
				return merr.WithDetail(merr.ConnectorIO, merr.DetailWrite, fmt.Errorf("write [%#x, %#x) exceeds dump size %#x", real, real+n, len(fc.data)))
			}
			copy(fc.data[real:real+n], w.Data)
			return nil
		})
	}
	return g.Wait()
}
