// Package kvcache implements the paged, optionally Q8-quantized KV cache
// (spec §4.5). Grounded on the teacher's reference-counted pool
// (internal/infra/engine/pool.go) for the LRU/free-list allocation
// discipline, generalized from whole-model slots to fixed-size token
// pages, and translating the page/page-table layout directly from the
// paged-attention source this runtime core was distilled from.
package kvcache

// PageTokens is the number of token slots held by one page (vLLM-style).
const PageTokens = 16

// PageId identifies a physical page inside a PageTable.
type PageId uint32

// Page is a fixed-size, contiguous store for PageTokens slots of key and
// value vectors, each hiddenDim floats wide.
type Page struct {
	id        PageId
	keys      []float32
	values    []float32
	usedSlots int
	hiddenDim int
}

func newPage(id PageId, hiddenDim int) *Page {
	capacity := PageTokens * hiddenDim
	return &Page{
		id:        id,
		keys:      make([]float32, capacity),
		values:    make([]float32, capacity),
		hiddenDim: hiddenDim,
	}
}

// Write copies keys and values into slot's span and advances the
// watermark used by IsFull/UsedSlots.
func (p *Page) Write(slot int, keys, values []float32) {
	offset := slot * p.hiddenDim
	copy(p.keys[offset:offset+p.hiddenDim], keys)
	copy(p.values[offset:offset+p.hiddenDim], values)
	if slot+1 > p.usedSlots {
		p.usedSlots = slot + 1
	}
}

// ReadKeys returns the key vector written at slot.
func (p *Page) ReadKeys(slot int) []float32 {
	offset := slot * p.hiddenDim
	return p.keys[offset : offset+p.hiddenDim]
}

// ReadValues returns the value vector written at slot.
func (p *Page) ReadValues(slot int) []float32 {
	offset := slot * p.hiddenDim
	return p.values[offset : offset+p.hiddenDim]
}

// Id reports the page's identifier.
func (p *Page) Id() PageId { return p.id }

// UsedSlots reports the high-water mark of slots written so far.
func (p *Page) UsedSlots() int { return p.usedSlots }

// IsFull reports whether every slot in the page has been written.
func (p *Page) IsFull() bool { return p.usedSlots >= PageTokens }

// Reset clears the watermark so the page can be reused by a new sequence.
// The underlying buffers are left untouched; a subsequent Write
// overwrites stale data before it is ever read.
func (p *Page) Reset() { p.usedSlots = 0 }
