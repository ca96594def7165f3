package chunkdir

import (
	"bytes"
	"testing"

	"metallgo/internal/sizeclass"
)

func testTable() *sizeclass.Table {
	return sizeclass.New(8, 1<<21, 1<<28)
}

func TestInsertSmallReusesLowestEmptyChunk(t *testing.T) {
	d := New(testTable())
	bin := sizeclass.BinNo(0)

	k0 := d.InsertSmall(bin)
	k1 := d.InsertSmall(bin)
	if k0 != 0 || k1 != 1 {
		t.Fatalf("expected chunks 0,1, got %d,%d", k0, k1)
	}

	if err := d.Erase(k0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	k2 := d.InsertSmall(bin)
	if k2 != 0 {
		t.Fatalf("expected erased chunk 0 to be reused, got %d", k2)
	}
}

func TestInsertLargeConsumesConsecutiveChunks(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	bin, err := tbl.BinOf(5 * (1 << 20)) // needs 3 chunks of 2MiB
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}

	head := d.InsertLarge(bin)
	if head != 0 {
		t.Fatalf("expected head chunk 0, got %d", head)
	}
	for k := 0; k < 3; k++ {
		kind, err := d.Kind(k)
		if err != nil {
			t.Fatalf("kind(%d): %v", k, err)
		}
		want := KindLargeTail
		if k == 0 {
			want = KindLargeHead
		}
		if kind != want {
			t.Fatalf("chunk %d: expected kind %d, got %d", k, want, kind)
		}
	}
	if d.NumChunks() != 3 {
		t.Fatalf("expected directory to grow to exactly 3 chunks, got %d", d.NumChunks())
	}
}

func TestInsertLargeExtendsPartialTailRun(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	smallBin := sizeclass.BinNo(0)
	largeBin, err := tbl.BinOf(5 * (1 << 20)) // 3 chunks
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}

	// Occupy chunk 0, leave chunk 1 as a partial (1-chunk) empty tail.
	d.InsertSmall(smallBin)
	k1 := d.InsertSmall(smallBin)
	if err := d.Erase(k1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	head := d.InsertLarge(largeBin)
	if head != 1 {
		t.Fatalf("expected large run to start at empty tail chunk 1, got %d", head)
	}
	if d.NumChunks() != 4 {
		t.Fatalf("expected directory length 4, got %d", d.NumChunks())
	}
}

func TestEraseLargeFreesHeadAndAllTails(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	bin, err := tbl.BinOf(5 * (1 << 20))
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}

	head := d.InsertLarge(bin)
	if err := d.Erase(head); err != nil {
		t.Fatalf("erase: %v", err)
	}
	for k := 0; k < 3; k++ {
		kind, _ := d.Kind(k)
		if kind != KindEmpty {
			t.Fatalf("chunk %d: expected empty after erase, got kind %d", k, kind)
		}
	}
}

func TestEraseOnNonHeadChunkFails(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	bin, err := tbl.BinOf(5 * (1 << 20))
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}
	head := d.InsertLarge(bin)

	if err := d.Erase(head + 1); err == nil {
		t.Fatalf("expected error erasing a tail chunk directly")
	}
}

func TestFindAndMarkSlotTracksOccupancy(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	bin := sizeclass.BinNo(0)
	k := d.InsertSmall(bin)

	slot, err := d.FindAndMarkSlot(k)
	if err != nil {
		t.Fatalf("find and mark: %v", err)
	}
	if slot != 0 {
		t.Fatalf("expected slot 0, got %d", slot)
	}

	marked, err := d.SlotMarked(k, slot)
	if err != nil || !marked {
		t.Fatalf("expected slot %d marked, err=%v", slot, err)
	}

	unmarked, _ := d.AllSlotsUnmarked(k)
	if unmarked {
		t.Fatalf("expected chunk not all-unmarked after marking a slot")
	}

	if err := d.UnmarkSlot(k, slot); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	unmarked, _ = d.AllSlotsUnmarked(k)
	if !unmarked {
		t.Fatalf("expected chunk all-unmarked after unmarking its only slot")
	}
}

func TestFillChunkReportsAllSlotsMarked(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	bin, err := tbl.BinOf(256 * 1024) // a small bin with few slots per chunk
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}
	k := d.InsertSmall(bin)

	n := tbl.SlotsPerChunk(bin)
	for i := 0; i < n; i++ {
		if _, err := d.FindAndMarkSlot(k); err != nil {
			t.Fatalf("mark slot %d: %v", i, err)
		}
	}
	full, err := d.AllSlotsMarked(k)
	if err != nil || !full {
		t.Fatalf("expected chunk fully marked, err=%v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tbl := testTable()
	d := New(tbl)
	smallBin := sizeclass.BinNo(0)
	largeBin, err := tbl.BinOf(5 * (1 << 20))
	if err != nil {
		t.Fatalf("bin of size: %v", err)
	}

	sk := d.InsertSmall(smallBin)
	d.FindAndMarkSlot(sk)
	d.FindAndMarkSlot(sk)
	lk := d.InsertLarge(largeBin)

	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(&buf, tbl, d.NumChunks())
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	occupied, err := got.OccupiedSlots(sk)
	if err != nil || occupied != 2 {
		t.Fatalf("expected 2 occupied slots after round-trip, got %d, err=%v", occupied, err)
	}
	kind, err := got.Kind(lk)
	if err != nil || kind != KindLargeHead {
		t.Fatalf("expected large head kind after round-trip, got %d, err=%v", kind, err)
	}
	tailKind, _ := got.Kind(lk + 1)
	if tailKind != KindLargeTail {
		t.Fatalf("expected large tail kind after round-trip, got %d", tailKind)
	}
}
