package kvcache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tutu-network/corerun/internal/corelog"
	"github.com/tutu-network/corerun/internal/domain"
)

var log = corelog.For("kvcache")

// numShards splits the sequences map across independent locks, keyed by
// an xxhash of the SequenceId, so contention scales with goroutine count
// rather than serializing every sequence through one lock — a
// generalization of the single sequences-map lock described in spec
// §4.5, in the spirit of how the teacher's AIStore references shard
// object metadata by hashed bucket.
const numShards = 16

// EvictionPolicy selects which sequence eviction chooses. Only Lru
// affects correctness; Fifo and Lfu are accepted but degrade to Lru
// ordering here since access_order is already first-access ordered.
type EvictionPolicy int

const (
	EvictLRU EvictionPolicy = iota
	EvictFIFO
	EvictLFU
)

// Config parameterizes a Manager.
type Config struct {
	HiddenDim          int
	MaxPages           int
	MaxSeqLen          int
	EnableQuantization bool
	Eviction           EvictionPolicy
}

// DefaultConfig mirrors the runtime core's own defaults.
func DefaultConfig() Config {
	return Config{
		HiddenDim:          4096,
		MaxPages:           1024,
		MaxSeqLen:          4096,
		EnableQuantization: true,
		Eviction:           EvictLRU,
	}
}

type sequenceEntry struct {
	pageIds     []PageId
	seqLen      int
	lastAccess  time.Time
	accessCount uint64
	quant       *q8Store
}

type shard struct {
	mu      sync.RWMutex
	entries map[domain.SequenceId]*sequenceEntry
}

// Stats are cumulative counters surfaced through Manager.Stats; every
// field is monotonic.
type Stats struct {
	TotalPagesAllocated uint64
	TotalPagesFreed     uint64
	CacheHits           uint64
	CacheMisses         uint64
	Evictions           uint64
}

// Manager is the integrated paged + optionally quantized KV cache (spec
// §4.5). The page table lives under its own read-write lock, the
// sequences map is sharded into independently locked buckets, and the
// LRU access order lives under a third, dedicated mutex. AppendKV holds
// its sequence's shard lock while it takes the page-table lock and, when
// it has to evict, the access-order lock and the victim's shard lock.
type Manager struct {
	config Config

	pageTableMu sync.RWMutex
	pageTable   *PageTable

	shards [numShards]*shard

	orderMu sync.Mutex
	order   *list.List
	orderEl map[domain.SequenceId]*list.Element

	idGen domain.SequenceIdGenerator
	stats Stats
	clock domain.Clock
}

// NewManager builds a Manager. clock may be nil to use domain.RealClock.
func NewManager(cfg Config, clock domain.Clock) *Manager {
	if clock == nil {
		clock = domain.RealClock
	}
	m := &Manager{
		config:    cfg,
		pageTable: NewPageTable(cfg.HiddenDim, cfg.MaxPages),
		order:     list.New(),
		orderEl:   make(map[domain.SequenceId]*list.Element),
		clock:     clock,
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[domain.SequenceId]*sequenceEntry)}
	}
	return m
}

func (m *Manager) shardFor(id domain.SequenceId) *shard {
	h := xxhash.Sum64(idBytes(id))
	return m.shards[h%numShards]
}

func idBytes(id domain.SequenceId) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b[:]
}

// withRecover runs fn and converts any panic inside it into a returned
// error instead of letting it crash the caller's goroutine — the Go
// analogue of recovering a poisoned lock: availability is preferred over
// fail-stop, because the worst an inconsistent read costs here is a
// cache miss.
func withRecover(component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn(component + " recovered from panic, cache remains available")
			err = fmt.Errorf("%s: recovered from internal panic", component)
		}
	}()
	return fn()
}

// AllocateSequence mints a new SequenceId and, if quantization is
// enabled, a private Q8 store for it.
func (m *Manager) AllocateSequence() domain.SequenceId {
	id := m.idGen.Next()

	var quant *q8Store
	if m.config.EnableQuantization {
		quant = newQ8Store(m.config.HiddenDim, m.config.MaxSeqLen)
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	sh.entries[id] = &sequenceEntry{lastAccess: m.clock.Now(), quant: quant}
	sh.mu.Unlock()

	m.orderMu.Lock()
	m.orderEl[id] = m.order.PushBack(id)
	m.orderMu.Unlock()

	return id
}

// AppendKV writes one position's key/value vectors for seqID, allocating
// a fresh page every PageTokens positions and evicting the LRU sequence
// once if allocation fails.
func (m *Manager) AppendKV(seqID domain.SequenceId, keys, values []float32) error {
	return withRecover("kvcache.AppendKV", func() error {
		sh := m.shardFor(seqID)
		sh.mu.Lock()
		defer sh.mu.Unlock()

		entry, ok := sh.entries[seqID]
		if !ok {
			return domain.ErrSequenceNotFound
		}

		entry.lastAccess = m.clock.Now()
		entry.accessCount++

		seqPos := entry.seqLen
		slot := SlotInPage(seqPos)
		localPageIdx := seqPos / PageTokens

		if localPageIdx >= len(entry.pageIds) {
			pageID, ok := m.allocatePage()
			if !ok {
				m.evictLRUExcept(seqID)
				pageID, ok = m.allocatePage()
				if !ok {
					return domain.ErrCacheMemoryExhausted
				}
			}
			entry.pageIds = append(entry.pageIds, pageID)
			m.stats.TotalPagesAllocated++
		}

		m.pageTableMu.Lock()
		if page, ok := m.pageTable.Get(entry.pageIds[localPageIdx]); ok {
			page.Write(slot, keys, values)
		}
		m.pageTableMu.Unlock()

		if entry.quant != nil {
			if !entry.quant.Append(keys, values) {
				entry.quant.Reset()
				entry.quant.Append(keys, values)
			}
		}

		entry.seqLen++
		return nil
	})
}

func (m *Manager) allocatePage() (PageId, bool) {
	m.pageTableMu.Lock()
	defer m.pageTableMu.Unlock()
	return m.pageTable.Allocate()
}

// ReadKV reads position pos of seqID, preferring the quantized store
// when it covers pos, else falling back to the page table.
func (m *Manager) ReadKV(seqID domain.SequenceId, pos int, keysOut, valuesOut []float32) error {
	return withRecover("kvcache.ReadKV", func() error {
		sh := m.shardFor(seqID)
		sh.mu.Lock()
		entry, ok := sh.entries[seqID]
		if !ok {
			sh.mu.Unlock()
			return domain.ErrSequenceNotFound
		}
		if pos >= entry.seqLen {
			sh.mu.Unlock()
			return domain.ErrPositionOutOfBounds
		}
		entry.lastAccess = m.clock.Now()
		entry.accessCount++
		quant := entry.quant
		pageIds := entry.pageIds
		sh.mu.Unlock()

		if quant != nil && pos < quant.SeqLen() {
			m.stats.CacheHits++
			quant.ReadKeys(pos, keysOut)
			quant.ReadValues(pos, valuesOut)
			return nil
		}

		m.stats.CacheMisses++
		localPageIdx := pos / PageTokens
		if localPageIdx >= len(pageIds) {
			return domain.ErrPageNotFound
		}
		m.pageTableMu.RLock()
		defer m.pageTableMu.RUnlock()
		page, ok := m.pageTable.Get(pageIds[localPageIdx])
		if !ok {
			return domain.ErrPageNotFound
		}
		slot := SlotInPage(pos)
		copy(keysOut, page.ReadKeys(slot))
		copy(valuesOut, page.ReadValues(slot))
		return nil
	})
}

// AttentionScores computes a dot product of query against every cached
// key for seqID, in position order.
func (m *Manager) AttentionScores(seqID domain.SequenceId, query []float32, scoresOut []float32) error {
	return withRecover("kvcache.AttentionScores", func() error {
		sh := m.shardFor(seqID)
		sh.mu.RLock()
		entry, ok := sh.entries[seqID]
		if !ok {
			sh.mu.RUnlock()
			return domain.ErrSequenceNotFound
		}
		seqLen := entry.seqLen
		quant := entry.quant
		pageIds := entry.pageIds
		sh.mu.RUnlock()

		if quant != nil && quant.SeqLen() >= seqLen {
			quant.AttentionScores(query, scoresOut)
			return nil
		}

		m.pageTableMu.RLock()
		defer m.pageTableMu.RUnlock()
		for pos := 0; pos < seqLen; pos++ {
			localPageIdx := pos / PageTokens
			if localPageIdx >= len(pageIds) {
				continue
			}
			page, ok := m.pageTable.Get(pageIds[localPageIdx])
			if !ok {
				continue
			}
			slot := SlotInPage(pos)
			keys := page.ReadKeys(slot)
			var sum float32
			for i, v := range keys {
				sum += v * query[i]
			}
			scoresOut[pos] = sum
		}
		return nil
	})
}

// FreeSequence returns seqID's pages to the free list and removes its
// bookkeeping entirely.
func (m *Manager) FreeSequence(seqID domain.SequenceId) error {
	sh := m.shardFor(seqID)
	sh.mu.Lock()
	entry, ok := sh.entries[seqID]
	if !ok {
		sh.mu.Unlock()
		return domain.ErrSequenceNotFound
	}
	delete(sh.entries, seqID)
	sh.mu.Unlock()

	m.pageTableMu.Lock()
	m.pageTable.Free(entry.pageIds)
	m.stats.TotalPagesFreed += uint64(len(entry.pageIds))
	m.pageTableMu.Unlock()

	m.orderMu.Lock()
	if el, ok := m.orderEl[seqID]; ok {
		m.order.Remove(el)
		delete(m.orderEl, seqID)
	}
	m.orderMu.Unlock()
	return nil
}

// evictLRUExcept evicts the front of the access order, skipping the
// sequence currently being appended to (it cannot be its own victim).
func (m *Manager) evictLRUExcept(exclude domain.SequenceId) {
	m.orderMu.Lock()
	var victim domain.SequenceId
	var found bool
	for el := m.order.Front(); el != nil; el = el.Next() {
		id := el.Value.(domain.SequenceId)
		if id != exclude {
			victim = id
			found = true
			break
		}
	}
	m.orderMu.Unlock()

	if found {
		m.stats.Evictions++
		_ = m.FreeSequence(victim)
	}
}

// SeqLen reports how many positions have been appended to seqID.
func (m *Manager) SeqLen(seqID domain.SequenceId) (int, error) {
	sh := m.shardFor(seqID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	entry, ok := sh.entries[seqID]
	if !ok {
		return 0, domain.ErrSequenceNotFound
	}
	return entry.seqLen, nil
}

// HasSequence reports whether seqID is currently tracked.
func (m *Manager) HasSequence(seqID domain.SequenceId) bool {
	sh := m.shardFor(seqID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.entries[seqID]
	return ok
}

// ActiveSequences reports the total number of tracked sequences across
// all shards.
func (m *Manager) ActiveSequences() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// MemoryUsage estimates bytes held by the page table (both key and
// value planes, float32-sized, regardless of quantization).
func (m *Manager) MemoryUsage() uint64 {
	m.pageTableMu.RLock()
	defer m.pageTableMu.RUnlock()
	return uint64(m.pageTable.PageCount()) * PageTokens * uint64(m.config.HiddenDim) * 2 * 4
}

// Stats returns a snapshot of cumulative counters.
func (m *Manager) Stats() Stats { return m.stats }

// Reset clears all sequences and the access order, leaving page-table
// capacity configuration untouched.
func (m *Manager) Reset() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.entries = make(map[domain.SequenceId]*sequenceEntry)
		sh.mu.Unlock()
	}
	m.orderMu.Lock()
	m.order.Init()
	m.orderEl = make(map[domain.SequenceId]*list.Element)
	m.orderMu.Unlock()
}
