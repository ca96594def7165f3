// Package config describes the tunables of a metall datastore: chunk and
// bin geometry, the initial and maximum virtual address reservation, and
// the small set of runtime behaviors (bin ordering, background flush
// interval) that a caller may want to override.
//
// Config is built once via New and a chain of functional options, then
// passed to the manager kernel at create/open time. It is never
// hot-reloaded and never touches the allocation hot path.
package config

import (
	"fmt"
	"time"
)

const (
	// DefaultMinObjectSize is the smallest size class metall creates.
	DefaultMinObjectSize = 8
	// DefaultChunkSize is metall's fixed chunk size: 2MiB, matching a
	// typical transparent huge page so chunk-granular madvise/fallocate
	// calls align with the OS's own memory management granularity.
	DefaultChunkSize = 1 << 21
	// DefaultMaxObjectSize caps a single allocation request.
	DefaultMaxObjectSize = 1 << 31
	// DefaultInitialReserveSize is the address space reserved by default;
	// it costs no physical memory until extended into.
	DefaultInitialReserveSize = 1 << 40 // 1TiB
	// DefaultInitialBlockSize is the size of the first backing file mapped
	// into the reservation.
	DefaultInitialBlockSize = 1 << 26 // 64MiB
	// DefaultMaxBlockSize caps how large a single backing file is allowed
	// to grow to, after which further growth adds more same-sized blocks
	// instead of doubling further.
	DefaultMaxBlockSize = 1 << 33 // 8GiB
	// DefaultFreeSmallObjectSizeHint is the smallest small-object size that
	// participates in sub-chunk hole-punching on deallocate, set to 2x a
	// typical 4KiB page: below this, a freed slot is too small for a whole
	// page to fit strictly inside it.
	DefaultFreeSmallObjectSizeHint = 8192
)

// Config is the resolved set of datastore tunables.
type Config struct {
	MinObjectSize      int64
	ChunkSize          int64
	MaxObjectSize      int64
	InitialReserveSize int64
	InitialBlockSize   int64
	MaxBlockSize       int64

	// SortedBins selects ascending chunk-number ordering in the bin
	// directory instead of the default LIFO ordering.
	SortedBins bool

	// FreeSmallObjectSizeHint is the minimum small-object size that
	// participates in sub-chunk file-space freeing; smaller bins free only
	// when their whole chunk becomes empty.
	FreeSmallObjectSizeHint int64

	// FlushInterval is a background flush period. Create and Open do not
	// read it; no background flusher is started from it.
	FlushInterval time.Duration

	// ReadOnly opens a datastore without removing its properly-closed mark
	// and refuses every write API (Allocate, Deallocate, ConstructNamed,
	// DestroyNamed, Flush). Ignored by Create.
	ReadOnly bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config from defaults plus the given options.
func New(opts ...Option) (*Config, error) {
	cfg := &Config{
		MinObjectSize:           DefaultMinObjectSize,
		ChunkSize:               DefaultChunkSize,
		MaxObjectSize:           DefaultMaxObjectSize,
		InitialReserveSize:      DefaultInitialReserveSize,
		InitialBlockSize:        DefaultInitialBlockSize,
		MaxBlockSize:            DefaultMaxBlockSize,
		FreeSmallObjectSizeHint: DefaultFreeSmallObjectSizeHint,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize&(c.ChunkSize-1) != 0 {
		return fmt.Errorf("config: chunk size %d must be a positive power of two", c.ChunkSize)
	}
	if c.MinObjectSize <= 0 || c.MinObjectSize > c.ChunkSize {
		return fmt.Errorf("config: min object size %d invalid for chunk size %d", c.MinObjectSize, c.ChunkSize)
	}
	if c.MaxObjectSize < c.ChunkSize {
		return fmt.Errorf("config: max object size %d must be at least one chunk (%d)", c.MaxObjectSize, c.ChunkSize)
	}
	if c.InitialReserveSize < c.MaxObjectSize {
		return fmt.Errorf("config: initial reserve size %d smaller than max object size %d", c.InitialReserveSize, c.MaxObjectSize)
	}
	if c.InitialBlockSize <= 0 || c.InitialBlockSize > c.InitialReserveSize {
		return fmt.Errorf("config: initial block size %d invalid for reserve size %d", c.InitialBlockSize, c.InitialReserveSize)
	}
	if c.MaxBlockSize > 0 && c.MaxBlockSize < c.InitialBlockSize {
		return fmt.Errorf("config: max block size %d smaller than initial block size %d", c.MaxBlockSize, c.InitialBlockSize)
	}
	return nil
}

// WithChunkSize overrides the fixed chunk size. Must be a power of two.
func WithChunkSize(size int64) Option {
	return func(c *Config) { c.ChunkSize = size }
}

// WithMinObjectSize overrides the smallest size class.
func WithMinObjectSize(size int64) Option {
	return func(c *Config) { c.MinObjectSize = size }
}

// WithMaxObjectSize overrides the largest single allocation a datastore
// will serve.
func WithMaxObjectSize(size int64) Option {
	return func(c *Config) { c.MaxObjectSize = size }
}

// WithInitialReserveSize overrides the virtual address space reserved at
// create time.
func WithInitialReserveSize(size int64) Option {
	return func(c *Config) { c.InitialReserveSize = size }
}

// WithInitialBlockSize overrides the size of the first backing file.
func WithInitialBlockSize(size int64) Option {
	return func(c *Config) { c.InitialBlockSize = size }
}

// WithMaxBlockSize overrides the cap on backing-file doubling. Zero means
// unbounded doubling up to the reservation size.
func WithMaxBlockSize(size int64) Option {
	return func(c *Config) { c.MaxBlockSize = size }
}

// WithSortedBins selects ascending chunk-number bin ordering.
func WithSortedBins(sorted bool) Option {
	return func(c *Config) { c.SortedBins = sorted }
}

// WithFreeSmallObjectSizeHint overrides the minimum small-object size that
// participates in sub-chunk hole-punching on deallocate.
func WithFreeSmallObjectSizeHint(size int64) Option {
	return func(c *Config) { c.FreeSmallObjectSizeHint = size }
}

// WithReadOnly opens a datastore without removing its properly-closed mark
// and refuses every write API. Has no effect on Create.
func WithReadOnly(readOnly bool) Option {
	return func(c *Config) { c.ReadOnly = readOnly }
}

// WithFlushInterval sets FlushInterval. Create and Open do not start a
// background flusher from it.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}
