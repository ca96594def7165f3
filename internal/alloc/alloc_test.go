package alloc

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"metallgo/internal/segment"
	"metallgo/internal/sizeclass"
)

func newTestAllocator(t *testing.T) (*Allocator, *segment.Storage) {
	t.Helper()
	dir := t.TempDir()
	table := sizeclass.New(8, 1<<16, 1<<24)
	store, err := segment.Create(dir, segment.Options{
		ReserveSize:      1 << 28,
		ChunkSize:        table.ChunkSize(),
		InitialBlockSize: 1 << 20,
		MaxBlockSize:     1 << 24,
	})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, table, false, 0, nil), store
}

func TestAllocateThenDeallocateSmallObject(t *testing.T) {
	a, _ := newTestAllocator(t)

	off, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Deallocate(off); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
}

func TestSmallBinRecyclesFreedSlotBeforeNewChunk(t *testing.T) {
	a, _ := newTestAllocator(t)
	table := a.table
	bin, err := table.BinOf(32)
	if err != nil {
		t.Fatalf("bin of 32: %v", err)
	}
	slots := table.SlotsPerChunk(bin)

	offsets := make([]int64, 0, slots)
	for i := 0; i < slots; i++ {
		off, err := a.Allocate(32)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	// The chunk is now full; freeing one slot should let the next
	// allocation reuse that exact offset rather than opening a new chunk.
	if err := a.Deallocate(offsets[3]); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	reused, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if reused != offsets[3] {
		t.Fatalf("expected freed slot %d to be reused, got %d", offsets[3], reused)
	}
}

func TestLargeAllocationSpansWholeChunkRun(t *testing.T) {
	a, _ := newTestAllocator(t)
	size := int64(3 * (1 << 16)) // 3 chunks' worth of bytes; its large bin (248832 bytes) rounds up to a 4-chunk run
	off, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if off%a.chunkSize != 0 {
		t.Fatalf("expected large allocation to start at a chunk boundary, got offset %d", off)
	}
	if err := a.Deallocate(off); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	// The freed run must be reusable by a second identical large request.
	off2, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if off2 != off {
		t.Fatalf("expected freed chunk run %d to be reused, got %d", off, off2)
	}
}

func TestDeallocateRejectsOffsetIntoEmptyChunk(t *testing.T) {
	a, _ := newTestAllocator(t)
	if err := a.Deallocate(0); err == nil {
		t.Fatalf("expected error deallocating into a never-allocated chunk")
	}
}

func TestDeallocateRejectsUnalignedOffset(t *testing.T) {
	a, _ := newTestAllocator(t)
	off, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Deallocate(off + 1); err == nil {
		t.Fatalf("expected error deallocating a misaligned offset")
	}
}

func TestConcurrentSmallAllocationsYieldDistinctOffsets(t *testing.T) {
	a, _ := newTestAllocator(t)
	const n = 64
	offsets := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			off, err := a.Allocate(16)
			if err != nil {
				t.Errorf("allocate %d: %v", i, err)
				return
			}
			offsets[i] = off
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, off := range offsets {
		if seen[off] {
			t.Fatalf("offset %d handed out more than once under concurrent allocation", off)
		}
		seen[off] = true
	}
}

func TestDeallocateSmallPunchesSubSlotHoleAboveHint(t *testing.T) {
	dir := t.TempDir()
	pageSize := int64(unix.Getpagesize())
	objSize := 4 * pageSize
	chunkSize := 8 * objSize
	table := sizeclass.New(objSize, chunkSize, chunkSize)
	store, err := segment.Create(dir, segment.Options{
		ReserveSize:      1 << 28,
		ChunkSize:        table.ChunkSize(),
		InitialBlockSize: 1 << 20,
		MaxBlockSize:     1 << 24,
	})
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// freeSmallObjectsHint set below objSize so the freed slot qualifies
	// for sub-chunk hole-punching instead of only a whole-chunk free.
	a := New(store, table, false, 2*pageSize, nil)

	off1, err := a.Allocate(objSize)
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if _, err := a.Allocate(objSize); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}

	// The chunk still has a live slot, so this must take the sub-slot free
	// path rather than erasing the whole chunk.
	if err := a.Deallocate(off1); err != nil {
		t.Fatalf("deallocate: %v", err)
	}

	kind, err := a.chunks.Kind(int(off1 / a.chunkSize))
	if err != nil {
		t.Fatalf("kind: %v", err)
	}
	if kind == 0 {
		t.Fatalf("expected chunk to remain non-empty after a partial sub-slot free")
	}

	reused, err := a.Allocate(objSize)
	if err != nil {
		t.Fatalf("allocate after sub-slot free: %v", err)
	}
	if reused != off1 {
		t.Fatalf("expected freed slot %d to be reused, got %d", off1, reused)
	}
}

func TestReopenRebuildsBinDirectoryFromChunkDirectory(t *testing.T) {
	a, store := newTestAllocator(t)
	off1, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := a.Allocate(32); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Deallocate(off1); err != nil {
		t.Fatalf("deallocate: %v", err)
	}

	reopened := Reopen(store, a.table, a.chunks, false, 0, nil)
	reused, err := reopened.Allocate(32)
	if err != nil {
		t.Fatalf("allocate on reopened allocator: %v", err)
	}
	if reused != off1 {
		t.Fatalf("expected reopened allocator to recycle freed slot %d, got %d", off1, reused)
	}
}
