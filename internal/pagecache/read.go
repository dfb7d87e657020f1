package pagecache

import (
	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/pipeline"
)

// PageReader performs a batch of physical reads, each exactly len(Buf)
// bytes starting at Addr. Implementations may service the batch
// concurrently.
type PageReader interface {
	ReadPhysical(reqs []PageReadRequest) error
}

// PageReadRequest is one physical read a PageReader must satisfy.
type PageReadRequest struct {
	Addr addr.Address
	Buf  []byte
}

// PageRead is one page-granularity request into CachedRead: fill Out (which
// must be exactly the cache's page size) with the contents of the page at
// PageBase, whose attributes are PageType.
type PageRead struct {
	PageBase addr.Address
	PageType addr.PageType
	Out      []byte
}

// cacheItem is one PageRead's progress through CachedRead's two stages: an
// item finished in classify (a cache hit) never reaches fetch; an
// uncacheable type stays ToDo and is read directly into Out by fetch.
type cacheItem struct {
	read      PageRead
	handle    FillHandle
	needsRead bool
}

// CachedRead fills every PageRead's Out buffer, consulting the cache first
// and issuing at most one connector read per distinct missing page. It
// runs as a two-stage pipeline.Driver: classify resolves each request
// against the cache (hit, bypass, or fill-owner/joiner) without touching
// the connector, and fetch issues the one batched connector read every
// still-pending request needs and copies the result into Out. A batched
// uncached read would never benefit from the cache, and a naive per-probe
// cached read would issue one connector call per probe even when many
// probes land on the same missing page in the same batch.
func (c *Cache) CachedRead(r PageReader, reads []PageRead) error {
	items := make([]pipeline.Item[*cacheItem], len(reads))
	for i, rd := range reads {
		items[i] = pipeline.NewToDo(&cacheItem{read: rd})
	}

	driver := pipeline.Driver[*cacheItem]{Stages: []pipeline.Processor[*cacheItem]{
		pipeline.ProcessorFunc[*cacheItem](c.classifyStage),
		pipeline.ProcessorFunc[*cacheItem](func(items []*pipeline.Item[*cacheItem]) error {
			return c.fetchStage(r, items)
		}),
	}}
	items = driver.Run(items)

	for _, it := range items {
		if it.Err != nil {
			return it.Err
		}
	}
	return nil
}

// classifyStage resolves each request against the cache without touching
// the connector: a hit finishes immediately, an uncacheable page type or a
// cache miss stays ToDo for fetchStage to actually read.
func (c *Cache) classifyStage(items []*pipeline.Item[*cacheItem]) error {
	owned := map[addr.Address]bool{}
	for _, it := range items {
		ci := it.Value
		if !c.IsCacheablePageType(ci.read.PageType) {
			ci.needsRead = true
			continue
		}
		if hit, ok := c.TryPage(ci.read.PageBase); ok {
			copy(ci.read.Out, hit)
			it.Finish(ci)
			continue
		}
		ci.handle = c.BeginFill(ci.read.PageBase)
		if !ci.handle.ShouldValidate && !ci.handle.Bypass && !owned[ci.read.PageBase] {
			// The pending fill this would join was left by an earlier call
			// that never completed it, so nothing in this batch reads the
			// page: take the fill over instead of copying an unfilled slot.
			ci.handle.ShouldValidate = true
		}
		if ci.handle.ShouldValidate {
			owned[ci.read.PageBase] = true
		}
		ci.needsRead = ci.handle.Bypass || ci.handle.ShouldValidate
	}
	return nil
}

// fetchStage issues one batched connector read covering every item that
// still needs one (an uncacheable page, or the owner of a fill/bypass),
// then finishes every remaining item by copying from its buffer - a
// cache-fill joiner never issued its own read, but its handle aliases the
// owner's buffer that this same call just filled.
func (c *Cache) fetchStage(r PageReader, items []*pipeline.Item[*cacheItem]) error {
	var direct []PageReadRequest
	for _, it := range items {
		ci := it.Value
		if !c.IsCacheablePageType(ci.read.PageType) {
			direct = append(direct, PageReadRequest{Addr: ci.read.PageBase, Buf: ci.read.Out})
			continue
		}
		if ci.needsRead {
			direct = append(direct, PageReadRequest{Addr: ci.read.PageBase, Buf: ci.handle.Buf})
		}
	}

	if len(direct) > 0 {
		if err := r.ReadPhysical(direct); err != nil {
			return err
		}
	}

	for _, it := range items {
		ci := it.Value
		if c.IsCacheablePageType(ci.read.PageType) {
			if ci.needsRead && !ci.handle.Bypass {
				c.ValidatePage(ci.read.PageBase)
			}
			copy(ci.read.Out, ci.handle.Buf)
		}
		it.Finish(ci)
	}
	return nil
}
