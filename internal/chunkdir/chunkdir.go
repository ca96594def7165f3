// Package chunkdir implements the chunk directory: a dynamically-growing
// table of chunk descriptors recording, per chunk, whether it is free, a
// small-object chunk with a per-slot occupancy bitset, or part of a
// large-object run.
//
// Directory is not safe for concurrent use on its own. The segment
// allocator serializes all directory access under its one allocator-wide
// mutex, which also guards the bin directory; there is no separate chunk
// mutex or per-bin mutex. Keeping locking out of this package keeps it
// independently testable.
package chunkdir

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"metallgo/internal/bitset"
	"metallgo/internal/sizeclass"
)

// Kind classifies a chunk directory entry.
type Kind int

const (
	KindEmpty Kind = iota // must stay 0: the zero Entry is an empty chunk
	KindSmall
	KindLargeHead
	KindLargeTail
)

// wireKind values match the on-disk chunk directory file format: 1 =
// small, 2 = large_head, 3 = large_tail. Empty chunks are never written
// to the file at all.
const (
	wireSmall     = 1
	wireLargeHead = 2
	wireLargeTail = 3
)

// ErrNoEmptyChunk is returned when a run long enough to satisfy a large
// allocation cannot be found or grown. Directory always grows to satisfy
// a request, so no method in this package currently returns it.
var ErrNoEmptyChunk = errors.New("chunkdir: no empty chunk available")

// ErrNotFound is returned by operations on a chunk number past the
// directory's current length.
var ErrNotFound = errors.New("chunkdir: chunk number out of range")

// Entry is one chunk's descriptor.
type Entry struct {
	BinNo         sizeclass.BinNo
	Kind          Kind
	OccupiedSlots int
	Slots         bitset.Bitset
}

// Directory is the array of chunk entries, indexed by chunk number.
type Directory struct {
	table   *sizeclass.Table
	entries []Entry
}

// New creates an empty chunk directory for the given size-class table.
func New(table *sizeclass.Table) *Directory {
	return &Directory{table: table}
}

// NumChunks returns the current length of the directory. Chunks beyond
// this index have never been touched and are implicitly empty.
func (d *Directory) NumChunks() int {
	return len(d.entries)
}

func (d *Directory) checkRange(k int) error {
	if k < 0 || k >= len(d.entries) {
		return fmt.Errorf("%w: chunk %d, have %d chunks", ErrNotFound, k, len(d.entries))
	}
	return nil
}

// InsertSmall finds the lowest-numbered empty chunk (growing the directory
// by one if none exists), marks it small for bin, and allocates its slot
// bitset. Returns the chunk number.
func (d *Directory) InsertSmall(bin sizeclass.BinNo) int {
	for k := range d.entries {
		if d.entries[k].Kind == KindEmpty {
			return d.activateSmall(k, bin)
		}
	}
	k := len(d.entries)
	d.entries = append(d.entries, Entry{})
	return d.activateSmall(k, bin)
}

func (d *Directory) activateSmall(k int, bin sizeclass.BinNo) int {
	e := &d.entries[k]
	e.BinNo = bin
	e.Kind = KindSmall
	e.OccupiedSlots = 0
	e.Slots.Allocate(d.table.SlotsPerChunk(bin))
	return k
}

// InsertLarge finds (or grows into) the lowest-numbered run of
// ceil(size/chunkSize) consecutive empty chunks for bin, marks the first
// large_head and the rest large_tail, and returns the head chunk number.
func (d *Directory) InsertLarge(bin sizeclass.BinNo) int {
	need := int(d.table.ChunksForSize(d.table.ObjectSize(bin)))
	if need < 1 {
		need = 1
	}

	start, run := -1, 0
	for k := range d.entries {
		if d.entries[k].Kind == KindEmpty {
			if run == 0 {
				start = k
			}
			run++
			if run == need {
				d.markLarge(start, bin, need)
				return start
			}
		} else {
			run = 0
		}
	}

	// No full run exists yet. Extend any empty run already at the tail of
	// the directory rather than discarding it.
	if start == -1 || start+run != len(d.entries) {
		start = len(d.entries)
		run = 0
	}
	for run < need {
		d.entries = append(d.entries, Entry{})
		run++
	}
	d.markLarge(start, bin, need)
	return start
}

func (d *Directory) markLarge(start int, bin sizeclass.BinNo, need int) {
	d.entries[start].BinNo = bin
	d.entries[start].Kind = KindLargeHead
	for i := 1; i < need; i++ {
		d.entries[start+i].BinNo = bin
		d.entries[start+i].Kind = KindLargeTail
	}
}

// FindAndMarkSlot allocates the lowest free slot in small chunk k.
func (d *Directory) FindAndMarkSlot(k int) (int, error) {
	if err := d.checkRange(k); err != nil {
		return 0, err
	}
	e := &d.entries[k]
	slot, err := e.Slots.FindAndSet()
	if err != nil {
		return 0, err
	}
	e.OccupiedSlots++
	return slot, nil
}

// UnmarkSlot frees slot s in small chunk k.
func (d *Directory) UnmarkSlot(k, s int) error {
	if err := d.checkRange(k); err != nil {
		return err
	}
	e := &d.entries[k]
	e.Slots.Reset(s)
	e.OccupiedSlots--
	return nil
}

// Erase returns chunk k to the empty state. For a small chunk this frees
// its slot bitset. For a large_head chunk this also erases every
// consecutive large_tail chunk that follows it.
func (d *Directory) Erase(k int) error {
	if err := d.checkRange(k); err != nil {
		return err
	}
	switch d.entries[k].Kind {
	case KindSmall:
		d.entries[k].Slots.Free()
		d.entries[k] = Entry{}
	case KindLargeHead:
		j := k + 1
		for j < len(d.entries) && d.entries[j].Kind == KindLargeTail {
			d.entries[j] = Entry{}
			j++
		}
		d.entries[k] = Entry{}
	case KindEmpty:
		// already empty; idempotent no-op
	default:
		return fmt.Errorf("chunkdir: erase called on non-head chunk %d (kind %d)", k, d.entries[k].Kind)
	}
	return nil
}

// BinNo returns the size class of chunk k.
func (d *Directory) BinNo(k int) (sizeclass.BinNo, error) {
	if err := d.checkRange(k); err != nil {
		return 0, err
	}
	return d.entries[k].BinNo, nil
}

// Kind returns the kind of chunk k.
func (d *Directory) Kind(k int) (Kind, error) {
	if err := d.checkRange(k); err != nil {
		return KindEmpty, err
	}
	return d.entries[k].Kind, nil
}

// AllSlotsMarked reports whether every slot in small chunk k is in use.
func (d *Directory) AllSlotsMarked(k int) (bool, error) {
	if err := d.checkRange(k); err != nil {
		return false, err
	}
	e := &d.entries[k]
	return e.OccupiedSlots == e.Slots.NumBits(), nil
}

// AllSlotsUnmarked reports whether small chunk k has no slots in use.
func (d *Directory) AllSlotsUnmarked(k int) (bool, error) {
	if err := d.checkRange(k); err != nil {
		return false, err
	}
	return d.entries[k].OccupiedSlots == 0, nil
}

// SlotMarked reports whether slot s of chunk k is in use.
func (d *Directory) SlotMarked(k, s int) (bool, error) {
	if err := d.checkRange(k); err != nil {
		return false, err
	}
	return d.entries[k].Slots.Get(s), nil
}

// OccupiedSlots returns the occupancy count of small chunk k.
func (d *Directory) OccupiedSlots(k int) (int, error) {
	if err := d.checkRange(k); err != nil {
		return 0, err
	}
	return d.entries[k].OccupiedSlots, nil
}

// Serialize writes one text line per non-empty chunk:
//
//	<chunk_no> <bin_no> <kind>                              (large head/tail)
//	<chunk_no> <bin_no> <kind> <occupied_slots> <bitset>    (small)
func (d *Directory) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for k, e := range d.entries {
		switch e.Kind {
		case KindEmpty:
			continue
		case KindSmall:
			if _, err := fmt.Fprintf(bw, "%d %d %d %d %s\n", k, e.BinNo, wireSmall, e.OccupiedSlots, e.Slots.Serialize()); err != nil {
				return err
			}
		case KindLargeHead:
			if _, err := fmt.Fprintf(bw, "%d %d %d\n", k, e.BinNo, wireLargeHead); err != nil {
				return err
			}
		case KindLargeTail:
			if _, err := fmt.Fprintf(bw, "%d %d %d\n", k, e.BinNo, wireLargeTail); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Deserialize builds a new directory by parsing Serialize's text format. numChunks is the chunk count implied by the segment's
// current size (chunks never explicitly listed are empty).
func Deserialize(r io.Reader, table *sizeclass.Table, numChunks int) (*Directory, error) {
	d := New(table)
	d.entries = make([]Entry, numChunks)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("chunkdir: malformed line %q", line)
		}
		k, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("chunkdir: parse chunk_no: %w", err)
		}
		binNo, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("chunkdir: parse bin_no: %w", err)
		}
		kindWire, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("chunkdir: parse kind: %w", err)
		}
		if k < 0 || k >= len(d.entries) {
			return nil, fmt.Errorf("chunkdir: chunk %d out of range for %d chunks", k, len(d.entries))
		}

		e := &d.entries[k]
		e.BinNo = sizeclass.BinNo(binNo)
		switch kindWire {
		case wireSmall:
			if len(fields) < 5 {
				return nil, fmt.Errorf("chunkdir: small chunk line missing occupancy/bitset: %q", line)
			}
			occupied, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("chunkdir: parse occupied_slots: %w", err)
			}
			bs, err := bitset.Deserialize(table.SlotsPerChunk(sizeclass.BinNo(binNo)), strings.Join(fields[4:], " "))
			if err != nil {
				return nil, fmt.Errorf("chunkdir: parse bitset for chunk %d: %w", k, err)
			}
			e.Kind = KindSmall
			e.OccupiedSlots = occupied
			e.Slots = *bs
		case wireLargeHead:
			e.Kind = KindLargeHead
		case wireLargeTail:
			e.Kind = KindLargeTail
		default:
			return nil, fmt.Errorf("chunkdir: unknown kind %d for chunk %d", kindWire, k)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}
