// Package vmem is the virtual-memory facade: given a translator, a
// connector, and an optional page cache, it turns Read/Write calls against
// virtual addresses into the batched physical operations the lower
// packages expect, splitting each call across however many pages it
// spans. Modeled on memflow-win32's VirtualAddressTranslator, which
// composes a translator and a cache behind the same kind of facade.
package vmem

import (
	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/chunk"
	"github.com/tinyrange/memprobe/internal/connector"
	"github.com/tinyrange/memprobe/internal/merr"
	"github.com/tinyrange/memprobe/internal/pagecache"
	"github.com/tinyrange/memprobe/internal/translate"
)

// Session is one virtual address space: a DTB (translation table root)
// walked with a fixed translator, backed by a connector and optionally
// fronted by a page cache.
type Session struct {
	Translator translate.Translator
	Conn       connector.PhysicalMemory
	Cache      *pagecache.Cache // nil disables caching
	DTB        addr.Address
}

// New returns a Session. cache may be nil.
func New(tr translate.Translator, conn connector.PhysicalMemory, dtb addr.Address, cache *pagecache.Cache) *Session {
	return &Session{Translator: tr, Conn: conn, Cache: cache, DTB: dtb}
}

func (s *Session) pageSize() uint64 {
	return s.Translator.Arch().PageSize
}

// SwitchDTB points the session at a different address space. Any page the
// attached cache is holding belongs to the old address space, so it's
// dropped in one InvalidateAll rather than left to be discovered stale one
// InvalidatePage at a time.
func (s *Session) SwitchDTB(dtb addr.Address) {
	s.DTB = dtb
	if s.Cache != nil {
		s.Cache.InvalidateAll()
	}
}

// Request is one virtual-address read or write in a ReadIter/WriteIter
// batch: an independent (address, buffer) pair with no relation to any
// other Request in the same call, unlike the page-chunks a single Read or
// Write call splits its own buffer into.
type Request struct {
	Addr addr.Address
	Buf  []byte
}

// requestChunks splits every Request's buffer into page-aligned chunks, so
// ReadIter/WriteIter can batch translation and the cache/connector stage
// across every request in the call instead of one request at a time. Each
// Chunk's Buf already aliases its owning Request's buffer, so nothing
// further needs to track which request a chunk came from.
func (s *Session) requestChunks(reqs []Request) []chunk.Chunk {
	var chunks []chunk.Chunk
	for _, rq := range reqs {
		if len(rq.Buf) == 0 {
			continue
		}
		chunks = append(chunks, chunk.Split(rq.Addr, rq.Buf, s.pageSize())...)
	}
	return chunks
}

// translateChunks resolves the physical page base for every chunk's page,
// batched in a single translator call.
func (s *Session) translateChunks(chunks []chunk.Chunk) ([]translate.Result, error) {
	vas := make([]addr.Address, len(chunks))
	for i, c := range chunks {
		vas[i] = c.PageBase
	}
	results := s.Translator.VirtToPhysList(s.DTB, connector.AsTranslateReader(s.Conn), vas)
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
	}
	return results, nil
}

// Read fills buf with the contents of the virtual address range starting
// at va, splitting it into pages that are translated and (if a cache is
// attached) cached together as one batch.
func (s *Session) Read(va addr.Address, buf []byte) error {
	return s.ReadIter([]Request{{Addr: va, Buf: buf}})
}

// ReadIter services many independent (address, buffer) requests in one
// call, batching their page-chunk translation and cache/connector reads
// together regardless of which request a chunk came from - unlike calling
// Read once per request, which would translate and fetch each request's
// pages in its own round trip even when several requests land on the same
// page table or the same cached page.
func (s *Session) ReadIter(reqs []Request) error {
	chunks := s.requestChunks(reqs)
	if len(chunks) == 0 {
		return nil
	}
	results, err := s.translateChunks(chunks)
	if err != nil {
		return err
	}

	if s.Cache == nil {
		creqs := make([]connector.ReadRequest, len(chunks))
		for i, c := range chunks {
			offset := c.Addr.PageOffset(s.pageSize())
			creqs[i] = connector.ReadRequest{Addr: results[i].PA.Address + addr.Address(offset), Buf: c.Buf}
		}
		return s.Conn.ReadList(creqs)
	}

	pageBufs := make([][]byte, len(chunks))
	reads := make([]pagecache.PageRead, len(chunks))
	for i, c := range chunks {
		pageBufs[i] = make([]byte, s.pageSize())
		pageBase := results[i].PA.Address.AlignDown(s.pageSize())
		reads[i] = pagecache.PageRead{
			PageBase: pageBase,
			PageType: results[i].PA.Page.PageType,
			Out:      pageBufs[i],
		}
	}
	if err := s.Cache.CachedRead(connector.AsPageReader(s.Conn), reads); err != nil {
		return err
	}
	for i, c := range chunks {
		offset := c.Addr.PageOffset(s.pageSize())
		copy(c.Buf, pageBufs[i][offset:offset+uint64(len(c.Buf))])
	}
	return nil
}

// Write stores buf at the virtual address range starting at va. Any page
// the write touches is invalidated in the cache, since the connector's
// backing memory just changed underneath it.
func (s *Session) Write(va addr.Address, buf []byte) error {
	return s.WriteIter([]Request{{Addr: va, Buf: buf}})
}

// WriteIter is ReadIter's write counterpart: many independent (address,
// buffer) requests serviced as one batch, one translator call and one
// connector WriteList covering every chunk from every request.
func (s *Session) WriteIter(reqs []Request) error {
	chunks := s.requestChunks(reqs)
	if len(chunks) == 0 {
		return nil
	}
	results, err := s.translateChunks(chunks)
	if err != nil {
		return err
	}

	creqs := make([]connector.WriteRequest, len(chunks))
	for i, c := range chunks {
		if results[i].PA.HasPage && !results[i].PA.Page.PageType.ContainsAll(addr.PageWriteable) {
			return merr.New(merr.OutOfBounds, "write to a read-only page")
		}
		offset := c.Addr.PageOffset(s.pageSize())
		creqs[i] = connector.WriteRequest{Addr: results[i].PA.Address + addr.Address(offset), Data: c.Buf}
	}
	if err := s.Conn.WriteList(creqs); err != nil {
		return err
	}

	if s.Cache != nil {
		for _, r := range results {
			s.Cache.InvalidatePage(r.PA.Address.AlignDown(s.pageSize()))
		}
	}
	return nil
}
