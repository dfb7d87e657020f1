// Package chunk splits a single (address, buffer) request into the
// page-aligned pieces a page-granularity cache or connector needs, the way
// memflow's PageChunksMut splits an arbitrary-length virtual read into one
// chunk per page it crosses.
package chunk

import "github.com/tinyrange/memprobe/internal/addr"

// Chunk is one page-aligned slice of a larger request: Buf is a sub-slice
// of the original buffer (no copy), PageBase is the aligned start of the
// page Addr falls in, and Addr is the absolute address Buf's first byte
// corresponds to.
type Chunk struct {
	Addr     addr.Address
	PageBase addr.Address
	Buf      []byte
}

// Split divides buf, which logically starts at addr, into one Chunk per
// pageSize-aligned page it crosses. pageSize must be a power of two. The
// returned chunks partition buf exactly: concatenating their Buf fields in
// order reproduces buf, and the first chunk may be shorter than pageSize
// if addr isn't itself page-aligned.
func Split(start addr.Address, buf []byte, pageSize uint64) []Chunk {
	if len(buf) == 0 {
		return nil
	}
	var chunks []Chunk
	cur := start
	remaining := buf
	for len(remaining) > 0 {
		pageBase := cur.AlignDown(pageSize)
		offsetInPage := cur.PageOffset(pageSize)
		avail := pageSize - offsetInPage
		n := uint64(len(remaining))
		if n > avail {
			n = avail
		}
		chunks = append(chunks, Chunk{
			Addr:     cur,
			PageBase: pageBase,
			Buf:      remaining[:n],
		})
		remaining = remaining[n:]
		cur += addr.Address(n)
	}
	return chunks
}
