package metall

import (
	"path/filepath"
	"testing"

	"metallgo/internal/config"
)

func testOpts() []config.Option {
	return []config.Option{
		config.WithChunkSize(1 << 16),
		config.WithMinObjectSize(8),
		config.WithMaxObjectSize(1 << 24),
		config.WithInitialReserveSize(1 << 28),
		config.WithInitialBlockSize(1 << 18),
		config.WithMaxBlockSize(1 << 22),
	}
}

func TestCreateAllocateCloseReopenFindsSameData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ptr, err := m.ConstructNamed("counter", 8, "int64")
	if err != nil {
		t.Fatalf("construct named: %v", err)
	}
	*(*int64)(ptr) = 42

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reopened.Close()

	got, _, err := reopened.FindNamed("counter")
	if err != nil {
		t.Fatalf("find named: %v", err)
	}
	if *(*int64)(got) != 42 {
		t.Fatalf("expected value 42 to survive close/reopen, got %d", *(*int64)(got))
	}
}

func TestOpenWithoutCleanCloseIsRejected(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Simulate a crash: never call Close, so the properly-closed mark is
	// never written. storage.Destroy is not called either; leak the mmap
	// on purpose for the test, the process exiting will reclaim it.
	_ = m

	if _, err := Open(dir, testOpts()...); err == nil {
		t.Fatalf("expected Open to reject a datastore that was not cleanly closed")
	}
	if _, err := OpenForce(dir, testOpts()...); err != nil {
		t.Fatalf("expected OpenForce to bypass the check, got %v", err)
	}
}

func TestAllocateDeallocateReusesStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Close()

	ptr, err := m.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Deallocate(ptr); err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	ptr2, err := m.Allocate(64)
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if ptr2 != ptr {
		t.Fatalf("expected freed storage to be reused at the same address")
	}
}

func TestDestroyNamedFreesNameAndStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Close()

	if _, err := m.ConstructNamed("widgets", 32, ""); err != nil {
		t.Fatalf("construct named: %v", err)
	}
	if err := m.DestroyNamed("widgets"); err != nil {
		t.Fatalf("destroy named: %v", err)
	}
	if _, _, err := m.FindNamed("widgets"); err == nil {
		t.Fatalf("expected error finding a destroyed name")
	}
}

func TestSnapshotProducesIndependentlyOpenableDatastore(t *testing.T) {
	srcDir := filepath.Join(t.TempDir(), "store")
	m, err := Create(srcDir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Close()

	ptr, err := m.ConstructNamed("value", 8, "")
	if err != nil {
		t.Fatalf("construct named: %v", err)
	}
	*(*int64)(ptr) = 7

	destDir := filepath.Join(t.TempDir(), "snapshot")
	if err := m.Snapshot(destDir); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// The live datastore must still work after Snapshot.
	if _, _, err := m.FindNamed("value"); err != nil {
		t.Fatalf("expected live datastore to remain usable after snapshot: %v", err)
	}

	snap, err := Open(destDir, testOpts()...)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()

	got, _, err := snap.FindNamed("value")
	if err != nil {
		t.Fatalf("find named in snapshot: %v", err)
	}
	if *(*int64)(got) != 7 {
		t.Fatalf("expected snapshot to contain value 7, got %d", *(*int64)(got))
	}
}

func TestReadOnlyOpenRefusesWriteAPIsAndPreservesMark(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.ConstructNamed("widgets", 32, ""); err != nil {
		t.Fatalf("construct named: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := Open(dir, append(testOpts(), config.WithReadOnly(true))...)
	if err != nil {
		t.Fatalf("read-only open: %v", err)
	}

	if _, _, err := ro.FindNamed("widgets"); err != nil {
		t.Fatalf("expected read-only manager to still serve reads: %v", err)
	}
	if _, err := ro.Allocate(8); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly from Allocate, got %v", err)
	}
	if err := ro.Flush(true); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly from Flush, got %v", err)
	}
	if err := ro.Close(); err != nil {
		t.Fatalf("close read-only manager: %v", err)
	}

	// A read-only open must never have cleared the mark, so a normal
	// writable open still succeeds afterward without needing OpenForce.
	again, err := Open(dir, testOpts()...)
	if err != nil {
		t.Fatalf("expected writable open to succeed after a read-only open: %v", err)
	}
	if err := again.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCreateRejectsExistingDatastore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Close()

	if _, err := Create(dir, testOpts()...); err == nil {
		t.Fatalf("expected error creating over an existing datastore")
	}
}

func TestRemoveDeletesDatastoreDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	m, err := Create(dir, testOpts()...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Remove(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Open(dir, testOpts()...); err == nil {
		t.Fatalf("expected no datastore to remain after Remove")
	}
}
