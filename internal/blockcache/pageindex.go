package blockcache

// pageIndex is the reverse mapping from a guest code page back to every
// compiled entry whose range overlaps it, which InvalidateRange uses to
// avoid scanning the entire cache on every self-modifying-code write.
// Entries spanning multiple pages are indexed under each page they touch.
type pageIndex struct {
	pages map[uint64][]*Entry
}

func newPageIndex() pageIndex {
	return pageIndex{pages: map[uint64][]*Entry{}}
}

func (p *pageIndex) add(e *Entry) {
	for addr := e.GuestStart &^ (pageSize - 1); addr < e.GuestEnd; addr += pageSize {
		p.pages[addr] = append(p.pages[addr], e)
	}
}

func (p *pageIndex) entriesForPage(pageAddr uint64) []*Entry {
	return p.pages[pageAddr]
}

func (p *pageIndex) clearPage(pageAddr uint64) {
	delete(p.pages, pageAddr)
}
