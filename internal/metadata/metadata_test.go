package metadata

import "testing"

func TestCreateThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Create(dir, 8, 1<<21, 1<<28)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.UUID != m.UUID {
		t.Fatalf("expected uuid to round-trip, got %v want %v", got.UUID, m.UUID)
	}
	if got.FormatVersion != m.FormatVersion {
		t.Fatalf("expected format version to round-trip")
	}
}

func TestCreateLeavesStoreNotProperlyClosed(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(dir, 8, 1<<21, 1<<28); err != nil {
		t.Fatalf("create: %v", err)
	}
	if WasProperlyClosed(dir) {
		t.Fatalf("expected fresh datastore to not be marked properly closed")
	}
}

func TestMarkClosedThenMarkOpenClearsIt(t *testing.T) {
	dir := t.TempDir()
	Create(dir, 8, 1<<21, 1<<28)
	if err := MarkClosed(dir); err != nil {
		t.Fatalf("mark closed: %v", err)
	}
	if !WasProperlyClosed(dir) {
		t.Fatalf("expected properly closed after MarkClosed")
	}
	if err := MarkOpen(dir); err != nil {
		t.Fatalf("mark open: %v", err)
	}
	if WasProperlyClosed(dir) {
		t.Fatalf("expected close mark cleared after MarkOpen")
	}
}

func TestMarkOpenOnNeverClosedStoreIsNoop(t *testing.T) {
	dir := t.TempDir()
	Create(dir, 8, 1<<21, 1<<28)
	if err := MarkOpen(dir); err != nil {
		t.Fatalf("expected no error clearing a nonexistent mark, got %v", err)
	}
}
