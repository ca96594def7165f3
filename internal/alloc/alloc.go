// Package alloc implements the segment allocator: the component that
// turns an allocation request into an offset within segment storage by
// orchestrating the bin directory (which chunks have free slots), the
// chunk directory (what each chunk currently holds), and segment storage
// itself (making sure the bytes behind an offset are actually backed).
package alloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"metallgo/internal/bindir"
	"metallgo/internal/chunkdir"
	"metallgo/internal/logging"
	"metallgo/internal/segment"
	"metallgo/internal/sizeclass"
)

// ErrInvalidOffset is returned by Deallocate when the offset does not
// correspond to the head of a live allocation.
var ErrInvalidOffset = errors.New("alloc: offset is not the head of a live allocation")

// Allocator serves allocate/deallocate requests. All of its state (the
// bin directory, the chunk directory, and segment storage's backed
// extent) is guarded by a single mutex: every operation here is a short,
// in-memory bookkeeping step plus at most one segment extension, so one
// coarse lock is simpler than separate bin/chunk locks and cannot
// deadlock by construction.
type Allocator struct {
	mu sync.Mutex

	storage *segment.Storage
	chunks  *chunkdir.Directory
	bins    *bindir.Directory
	table   *sizeclass.Table

	chunkSize            int64
	freeSmallObjectsHint int64
	log                  *slog.Logger
}

// New builds an allocator over a freshly created, empty chunk and bin
// directory. freeSmallObjectsHint is the minimum small-object size that
// participates in sub-chunk hole-punching on deallocate; bins smaller than
// this free only at whole-chunk granularity.
func New(storage *segment.Storage, table *sizeclass.Table, sortedBins bool, freeSmallObjectsHint int64, logger *slog.Logger) *Allocator {
	return &Allocator{
		storage:              storage,
		chunks:               chunkdir.New(table),
		bins:                 bindir.New(sortedBins),
		table:                table,
		chunkSize:            table.ChunkSize(),
		freeSmallObjectsHint: freeSmallObjectsHint,
		log:                  logging.Default(logger).With("component", "alloc"),
	}
}

// Reopen builds an allocator around a chunk directory already
// reconstructed from persisted state (see chunkdir.Deserialize),
// rebuilding the bin directory by scanning it for small chunks that still
// have a free slot.
func Reopen(storage *segment.Storage, table *sizeclass.Table, chunks *chunkdir.Directory, sortedBins bool, freeSmallObjectsHint int64, logger *slog.Logger) *Allocator {
	a := &Allocator{
		storage:              storage,
		chunks:               chunks,
		bins:                 bindir.New(sortedBins),
		table:                table,
		chunkSize:            table.ChunkSize(),
		freeSmallObjectsHint: freeSmallObjectsHint,
		log:                  logging.Default(logger).With("component", "alloc"),
	}
	for k := 0; k < chunks.NumChunks(); k++ {
		kind, err := chunks.Kind(k)
		if err != nil || kind != chunkdir.KindSmall {
			continue
		}
		full, _ := chunks.AllSlotsMarked(k)
		if full {
			continue
		}
		bin, _ := chunks.BinNo(k)
		a.bins.Insert(bin, k)
	}
	return a
}

// ChunkDirectory exposes the underlying chunk directory for persistence.
func (a *Allocator) ChunkDirectory() *chunkdir.Directory { return a.chunks }

// Allocate reserves size bytes and returns their offset within segment
// storage.
func (a *Allocator) Allocate(size int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bin, err := a.table.BinOf(size)
	if err != nil {
		return 0, err
	}
	if a.table.IsSmall(bin) {
		return a.allocateSmall(bin)
	}
	return a.allocateLarge(bin)
}

func (a *Allocator) allocateSmall(bin sizeclass.BinNo) (int64, error) {
	chunkNo, ok := a.bins.Front(bin)
	if !ok {
		chunkNo = a.chunks.InsertSmall(bin)
		if err := a.storage.Extend(int64(chunkNo+1) * a.chunkSize); err != nil {
			a.chunks.Erase(chunkNo)
			return 0, fmt.Errorf("alloc: extend storage for chunk %d: %w", chunkNo, err)
		}
		a.bins.Insert(bin, chunkNo)
	}

	slot, err := a.chunks.FindAndMarkSlot(chunkNo)
	if err != nil {
		return 0, fmt.Errorf("alloc: mark slot in chunk %d: %w", chunkNo, err)
	}
	if full, _ := a.chunks.AllSlotsMarked(chunkNo); full {
		a.bins.Erase(bin, chunkNo)
	}

	offset := int64(chunkNo)*a.chunkSize + int64(slot)*a.table.ObjectSize(bin)
	return offset, nil
}

func (a *Allocator) allocateLarge(bin sizeclass.BinNo) (int64, error) {
	head := a.chunks.InsertLarge(bin)
	numChunks := a.table.ChunksForSize(a.table.ObjectSize(bin))
	if err := a.storage.Extend(int64(head) * a.chunkSize + numChunks*a.chunkSize); err != nil {
		a.chunks.Erase(head)
		return 0, fmt.Errorf("alloc: extend storage for large run at chunk %d: %w", head, err)
	}
	return int64(head) * a.chunkSize, nil
}

// Deallocate returns the allocation at offset to the allocator. offset
// must be a value previously returned by Allocate on this allocator (or
// by a serialized predecessor of it); any other value returns
// ErrInvalidOffset.
func (a *Allocator) Deallocate(offset int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	chunkNo := int(offset / a.chunkSize)
	kind, err := a.chunks.Kind(chunkNo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffset, err)
	}

	switch kind {
	case chunkdir.KindSmall:
		return a.deallocateSmall(chunkNo, offset)
	case chunkdir.KindLargeHead:
		if offset != int64(chunkNo)*a.chunkSize {
			return fmt.Errorf("%w: offset %d is not chunk-aligned to a large head", ErrInvalidOffset, offset)
		}
		return a.deallocateLarge(chunkNo)
	default:
		return fmt.Errorf("%w: offset %d falls in an empty or tail chunk", ErrInvalidOffset, offset)
	}
}

func (a *Allocator) deallocateSmall(chunkNo int, offset int64) error {
	bin, err := a.chunks.BinNo(chunkNo)
	if err != nil {
		return err
	}
	objSize := a.table.ObjectSize(bin)
	within := offset - int64(chunkNo)*a.chunkSize
	if within%objSize != 0 {
		return fmt.Errorf("%w: offset %d misaligned within chunk %d", ErrInvalidOffset, offset, chunkNo)
	}
	slot := int(within / objSize)
	marked, err := a.chunks.SlotMarked(chunkNo, slot)
	if err != nil {
		return err
	}
	if !marked {
		return fmt.Errorf("%w: slot %d of chunk %d is already free", ErrInvalidOffset, slot, chunkNo)
	}

	wasFull, _ := a.chunks.AllSlotsMarked(chunkNo)
	if err := a.chunks.UnmarkSlot(chunkNo, slot); err != nil {
		return err
	}
	if wasFull {
		a.bins.Insert(bin, chunkNo)
	}

	if empty, _ := a.chunks.AllSlotsUnmarked(chunkNo); empty {
		a.bins.Erase(bin, chunkNo)
		if err := a.chunks.Erase(chunkNo); err != nil {
			return err
		}
		if err := a.storage.FreeRegion(int64(chunkNo)*a.chunkSize, a.chunkSize); err != nil {
			a.log.Warn("failed to punch hole for freed chunk", "chunk", chunkNo, "err", err)
		}
	} else if objSize >= a.freeSmallObjectsHint {
		if err := a.freeSubSlotRange(chunkNo, slot, bin); err != nil {
			a.log.Warn("failed to punch sub-slot hole range", "chunk", chunkNo, "slot", slot, "err", err)
		}
	}
	return nil
}

// freeSubSlotRange releases the physical pages backing a single freed slot
// back to the OS without touching neighbouring live slots. The page-aligned
// range is shrunk inward past a live neighbour at either boundary, and
// extended outward across a free one.
func (a *Allocator) freeSubSlotRange(chunkNo, slot int, bin sizeclass.BinNo) error {
	objSize := a.table.ObjectSize(bin)
	pageSize := int64(unix.Getpagesize())
	chunkStart := int64(chunkNo) * a.chunkSize
	slotStart := chunkStart + int64(slot)*objSize
	slotEnd := slotStart + objSize

	rb := ceilToPage(slotStart, pageSize)
	if slot > 0 {
		if marked, err := a.chunks.SlotMarked(chunkNo, slot-1); err == nil && !marked {
			rb = floorToPage(slotStart, pageSize)
		}
	}

	slotsPerChunk := a.table.SlotsPerChunk(bin)
	re := floorToPage(slotEnd, pageSize)
	if slot < slotsPerChunk-1 {
		if marked, err := a.chunks.SlotMarked(chunkNo, slot+1); err == nil && !marked {
			re = ceilToPage(slotEnd, pageSize)
		}
	}

	if rb < chunkStart {
		rb = chunkStart
	}
	if chunkEnd := chunkStart + a.chunkSize; re > chunkEnd {
		re = chunkEnd
	}
	if re <= rb {
		return nil
	}
	return a.storage.FreeRegion(rb, re-rb)
}

func floorToPage(x, pageSize int64) int64 {
	return x - x%pageSize
}

func ceilToPage(x, pageSize int64) int64 {
	if r := x % pageSize; r != 0 {
		return x + (pageSize - r)
	}
	return x
}

func (a *Allocator) deallocateLarge(chunkNo int) error {
	bin, err := a.chunks.BinNo(chunkNo)
	if err != nil {
		return err
	}
	numChunks := a.table.ChunksForSize(a.table.ObjectSize(bin))
	if err := a.chunks.Erase(chunkNo); err != nil {
		return err
	}
	if err := a.storage.FreeRegion(int64(chunkNo)*a.chunkSize, numChunks*a.chunkSize); err != nil {
		a.log.Warn("failed to punch hole for freed large run", "chunk", chunkNo, "err", err)
	}
	return nil
}
