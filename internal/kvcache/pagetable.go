package kvcache

// PageTable owns the pool of physical pages: allocation, free-list
// reuse, and eviction-time release. A page is anonymous until a
// sequence's own pageIds slice names it at some local page index
// (seqPos/PageTokens within that sequence) — PageTable itself never
// maps a position to a page, so two sequences can never collide on
// the same slot.
type PageTable struct {
	freePages []PageId
	pages     []*Page
	nextId    uint32
	hiddenDim int
	maxPages  int
}

// NewPageTable builds an empty table sized for up to maxPages pages of
// hiddenDim-wide vectors.
func NewPageTable(hiddenDim, maxPages int) *PageTable {
	return &PageTable{
		pages:     make([]*Page, 0, maxPages),
		hiddenDim: hiddenDim,
		maxPages:  maxPages,
	}
}

// Allocate returns a fresh or reused page id. Returns false when the
// table is at capacity and has nothing free to reuse.
func (t *PageTable) Allocate() (PageId, bool) {
	return t.getOrCreatePage()
}

// Free returns the given pages to the free list.
func (t *PageTable) Free(ids []PageId) {
	for _, id := range ids {
		if p := t.findPage(id); p != nil {
			p.Reset()
			t.freePages = append(t.freePages, id)
		}
	}
}

// Get returns the page identified by id, if it is currently allocated.
func (t *PageTable) Get(id PageId) (*Page, bool) {
	p := t.findPage(id)
	return p, p != nil
}

// SlotInPage computes the in-page slot for a sequence position.
func SlotInPage(seqPos int) int { return seqPos % PageTokens }

func (t *PageTable) getOrCreatePage() (PageId, bool) {
	if n := len(t.freePages); n > 0 {
		id := t.freePages[n-1]
		t.freePages = t.freePages[:n-1]
		return id, true
	}
	if len(t.pages) >= t.maxPages {
		return 0, false
	}
	id := PageId(t.nextId)
	t.nextId++
	t.pages = append(t.pages, newPage(id, t.hiddenDim))
	return id, true
}

func (t *PageTable) findPage(id PageId) *Page {
	for _, p := range t.pages {
		if p.id == id {
			return p
		}
	}
	return nil
}

// PageCount reports the number of pages currently allocated (in use or
// held on the free list).
func (t *PageTable) PageCount() int { return len(t.pages) }

// FreeCount reports the number of pages sitting on the free list.
func (t *PageTable) FreeCount() int { return len(t.freePages) }
