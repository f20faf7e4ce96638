// Package blockcache implements the two-level compiled-block cache: a
// direct-mapped, power-of-two L1 keyed by a masked guest RIP for the hot
// lookup path, and a page-indexed L2 behind a RWMutex for the cold path
// and for range invalidation on self-modifying code.
package blockcache

import (
	"sync"

	"go.uber.org/zap"
)

// Entry is one compiled block: the guest code range it was compiled from
// (for self-modifying-code validation and invalidation) and the host
// function pointer to enter it.
type Entry struct {
	GuestStart, GuestEnd uint64
	HostCode             uintptr
	CodeHash             uint64
}

// ErrNoEntry is returned by Lookup when no compiled block covers rip.
var ErrNoEntry = errNoEntry{}

type errNoEntry struct{}

func (errNoEntry) Error() string { return "blockcache: no entry for address" }

const (
	l1Bits = 10
	l1Size = 1 << l1Bits
	l1Mask = l1Size - 1

	pageShift = 12 // 4KiB guest pages, matching the host mmap granularity.
	pageSize  = 1 << pageShift
)

// Cache is one guest thread's block cache: an unsynchronized L1 (only the
// owning thread ever touches it) backed by a shared, RWMutex-protected L2
// indexed by guest page for invalidation.
type Cache struct {
	l1 [l1Size]*Entry

	mu  sync.RWMutex
	l2  map[uint64]*Entry
	page pageIndex

	log *zap.Logger
}

// New creates an empty Cache.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{l2: map[uint64]*Entry{}, page: newPageIndex(), log: log}
}

func l1Index(rip uint64) uint64 { return (rip >> 2) & l1Mask }

// Lookup finds the compiled entry covering rip, checking the direct-mapped
// L1 first and falling back to (and repopulating L1 from) L2 on a miss.
func (c *Cache) Lookup(rip uint64) (*Entry, error) {
	if e := c.l1[l1Index(rip)]; e != nil && e.GuestStart == rip {
		return e, nil
	}

	c.mu.RLock()
	e, ok := c.l2[rip]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoEntry
	}
	c.l1[l1Index(rip)] = e
	return e, nil
}

// Insert registers a newly compiled entry, populating both levels.
func (c *Cache) Insert(e *Entry) {
	c.mu.Lock()
	c.l2[e.GuestStart] = e
	c.page.add(e)
	c.mu.Unlock()
	c.l1[l1Index(e.GuestStart)] = e
}

// Entries returns a snapshot of every entry currently resident in L2, for
// callers (the AOT IR cache writer) that need to enumerate a thread's
// whole compiled set rather than look up a single address.
func (c *Cache) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.l2))
	for _, e := range c.l2 {
		out = append(out, e)
	}
	return out
}

// ValidateCode reports whether the guest bytes backing e still hash to
// e.CodeHash, the self-modifying-code guard checked at block entry for
// pages known to be written to after compilation.
func (c *Cache) ValidateCode(e *Entry, currentHash uint64) bool {
	return e.CodeHash == currentHash
}

// InvalidateRange drops every cached entry whose guest range overlaps
// [start, end), as required after a guest write to previously-compiled
// code. Returns the invalidated entries so the caller can additionally
// flush any host code buffers they occupied.
func (c *Cache) InvalidateRange(start, end uint64) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var invalidated []*Entry
	for pageAddr := start &^ (pageSize - 1); pageAddr < end; pageAddr += pageSize {
		var kept []*Entry
		for _, e := range c.page.entriesForPage(pageAddr) {
			if c.l2[e.GuestStart] != e {
				continue // already invalidated through another page it spans
			}
			if e.GuestEnd <= start || e.GuestStart >= end {
				kept = append(kept, e)
				continue
			}
			delete(c.l2, e.GuestStart)
			invalidated = append(invalidated, e)
		}
		if len(kept) == 0 {
			c.page.clearPage(pageAddr)
		} else {
			c.page.pages[pageAddr] = kept
		}
	}

	for _, e := range invalidated {
		c.l1[l1Index(e.GuestStart)] = nil
		c.log.Debug("blockcache: invalidated entry", zap.Uint64("guest_start", e.GuestStart))
	}
	return invalidated
}
