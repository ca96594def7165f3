// Package bindir implements the bin directory: per-size-class collections
// of chunk numbers that currently have at least one free slot, so the
// segment allocator can find a chunk to serve a small allocation without
// scanning the whole chunk directory.
//
// Two orderings are supported, selected once at construction and matching
// the sorted_bins configuration knob: LIFO (most recently freed chunk
// served first, favoring locality and keeping hot chunks hot) and sorted
// (lowest chunk number first, favoring compaction by packing low offsets).
package bindir

import (
	"container/list"
	"sort"

	"metallgo/internal/sizeclass"
)

// Directory tracks, per bin, the chunks with at least one free slot.
type Directory struct {
	sorted bool

	lifo  map[sizeclass.BinNo]*list.List
	index map[sizeclass.BinNo]map[int]*list.Element

	asc map[sizeclass.BinNo][]int
}

// New creates an empty bin directory. When sorted is true, chunk numbers
// within a bin are kept in ascending order and Front/Pop always return the
// lowest; when false, chunks are kept LIFO and Front/Pop return the most
// recently inserted.
func New(sorted bool) *Directory {
	d := &Directory{sorted: sorted}
	if sorted {
		d.asc = make(map[sizeclass.BinNo][]int)
	} else {
		d.lifo = make(map[sizeclass.BinNo]*list.List)
		d.index = make(map[sizeclass.BinNo]map[int]*list.Element)
	}
	return d
}

// Insert adds chunkNo to bin's free-chunk collection. Inserting a chunk
// already present is a no-op.
func (d *Directory) Insert(bin sizeclass.BinNo, chunkNo int) {
	if d.sorted {
		d.insertSorted(bin, chunkNo)
		return
	}
	d.insertLIFO(bin, chunkNo)
}

func (d *Directory) insertSorted(bin sizeclass.BinNo, chunkNo int) {
	s := d.asc[bin]
	i := sort.SearchInts(s, chunkNo)
	if i < len(s) && s[i] == chunkNo {
		return
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = chunkNo
	d.asc[bin] = s
}

func (d *Directory) insertLIFO(bin sizeclass.BinNo, chunkNo int) {
	if d.index[bin] == nil {
		d.lifo[bin] = list.New()
		d.index[bin] = make(map[int]*list.Element)
	}
	if _, exists := d.index[bin][chunkNo]; exists {
		return
	}
	el := d.lifo[bin].PushFront(chunkNo)
	d.index[bin][chunkNo] = el
}

// Front returns the chunk a new allocation in bin should use without
// removing it, or ok=false if bin has no free chunk.
func (d *Directory) Front(bin sizeclass.BinNo) (chunkNo int, ok bool) {
	if d.sorted {
		s := d.asc[bin]
		if len(s) == 0 {
			return 0, false
		}
		return s[0], true
	}
	l := d.lifo[bin]
	if l == nil || l.Len() == 0 {
		return 0, false
	}
	return l.Front().Value.(int), true
}

// Pop removes and returns the chunk Front would have returned.
func (d *Directory) Pop(bin sizeclass.BinNo) (chunkNo int, ok bool) {
	chunkNo, ok = d.Front(bin)
	if !ok {
		return 0, false
	}
	d.Erase(bin, chunkNo)
	return chunkNo, true
}

// Erase removes chunkNo from bin's collection, e.g. because the chunk
// became completely full or was returned to the chunk directory as empty.
// Erasing a chunk not present is a no-op.
func (d *Directory) Erase(bin sizeclass.BinNo, chunkNo int) {
	if d.sorted {
		s := d.asc[bin]
		i := sort.SearchInts(s, chunkNo)
		if i >= len(s) || s[i] != chunkNo {
			return
		}
		d.asc[bin] = append(s[:i], s[i+1:]...)
		return
	}
	idx := d.index[bin]
	if idx == nil {
		return
	}
	el, ok := idx[chunkNo]
	if !ok {
		return
	}
	d.lifo[bin].Remove(el)
	delete(idx, chunkNo)
}

// Empty reports whether bin has no chunks with a free slot.
func (d *Directory) Empty(bin sizeclass.BinNo) bool {
	_, ok := d.Front(bin)
	return !ok
}

// Contains reports whether chunkNo is currently tracked under bin.
func (d *Directory) Contains(bin sizeclass.BinNo, chunkNo int) bool {
	if d.sorted {
		s := d.asc[bin]
		i := sort.SearchInts(s, chunkNo)
		return i < len(s) && s[i] == chunkNo
	}
	idx := d.index[bin]
	if idx == nil {
		return false
	}
	_, ok := idx[chunkNo]
	return ok
}
