package config

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size, got %d", cfg.ChunkSize)
	}
	if cfg.SortedBins {
		t.Fatalf("expected SortedBins to default false (LIFO)")
	}
	if cfg.FreeSmallObjectSizeHint != DefaultFreeSmallObjectSizeHint {
		t.Fatalf("expected default free small object size hint, got %d", cfg.FreeSmallObjectSizeHint)
	}
	if cfg.ReadOnly {
		t.Fatalf("expected ReadOnly to default false")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cfg, err := New(
		WithChunkSize(1<<20),
		WithMinObjectSize(16),
		WithMaxObjectSize(1<<30),
		WithInitialReserveSize(1<<32),
		WithInitialBlockSize(1<<20),
		WithMaxBlockSize(1<<24),
		WithSortedBins(true),
		WithFreeSmallObjectSizeHint(4096),
		WithReadOnly(true),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ChunkSize != 1<<20 || !cfg.SortedBins {
		t.Fatalf("expected overrides to apply, got %+v", cfg)
	}
	if cfg.FreeSmallObjectSizeHint != 4096 {
		t.Fatalf("expected free small object size hint override, got %d", cfg.FreeSmallObjectSizeHint)
	}
	if !cfg.ReadOnly {
		t.Fatalf("expected ReadOnly override to apply")
	}
}

func TestValidateRejectsNonPowerOfTwoChunkSize(t *testing.T) {
	if _, err := New(WithChunkSize(3)); err == nil {
		t.Fatalf("expected error for non-power-of-two chunk size")
	}
}

func TestValidateRejectsReserveSmallerThanMaxObject(t *testing.T) {
	if _, err := New(WithInitialReserveSize(1 << 10)); err == nil {
		t.Fatalf("expected error when reserve size is smaller than max object size")
	}
}

func TestValidateRejectsMaxBlockSmallerThanInitialBlock(t *testing.T) {
	if _, err := New(WithInitialBlockSize(1<<26), WithMaxBlockSize(1<<20)); err == nil {
		t.Fatalf("expected error when max block size is smaller than initial block size")
	}
}
