// Package segment implements segment storage: a single large virtual
// memory reservation backed incrementally by on-disk files, so that
// offsets handed out by the allocator remain valid addresses for the
// lifetime of the reservation even though only a growing prefix of it is
// actually backed by memory.
//
// The reservation is made once, up front, with PROT_NONE so no physical
// memory or swap is committed. Growth maps a new backing file with
// MAP_FIXED directly into the next unbacked slice of the reservation; the
// backing file's size follows a doubling policy (capped) so the number of
// distinct files stays small as a datastore grows.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sys/unix"

	"metallgo/internal/logging"
)

const blockFilePrefix = "segment_block-"

// ErrReservationExceeded is returned by Extend when growth would exceed
// the storage's fixed virtual address reservation.
var ErrReservationExceeded = errors.New("segment: growth would exceed reserved address space")

// Storage is one datastore's segment: a VM reservation plus the ordered
// backing files that back its prefix.
type Storage struct {
	dir    string
	log    *slog.Logger
	base   uintptr // address of the PROT_NONE reservation
	blocks []blockMapping

	reserveSize      int64
	chunkSize        int64
	initialBlockSize int64
	maxBlockSize     int64
	backed           int64 // bytes of the reservation currently backed by a file
}

type blockMapping struct {
	file *os.File
	size int64
}

// Options configures a new or reopened Storage.
type Options struct {
	ReserveSize      int64
	ChunkSize        int64
	InitialBlockSize int64
	MaxBlockSize     int64
	Logger           *slog.Logger
}

// Create reserves ReserveSize bytes of address space in dir and backs it
// with one initial block. dir must already exist and be empty of segment
// files.
func Create(dir string, opt Options) (*Storage, error) {
	if opt.ReserveSize <= 0 || opt.ChunkSize <= 0 || opt.InitialBlockSize <= 0 {
		return nil, fmt.Errorf("segment: invalid options %+v", opt)
	}
	s := &Storage{
		dir:              dir,
		log:              logging.Default(opt.Logger).With("component", "segment"),
		reserveSize:      opt.ReserveSize,
		chunkSize:        opt.ChunkSize,
		initialBlockSize: opt.InitialBlockSize,
		maxBlockSize:     opt.MaxBlockSize,
	}
	base, err := reserve(opt.ReserveSize)
	if err != nil {
		return nil, fmt.Errorf("segment: reserve address space: %w", err)
	}
	s.base = base

	if err := s.Extend(opt.InitialBlockSize); err != nil {
		unreserve(base, opt.ReserveSize)
		return nil, err
	}
	if err := s.writeManifest(); err != nil {
		s.Destroy()
		return nil, err
	}
	s.log.Info("segment storage created", "dir", dir, "reserve_size", opt.ReserveSize)
	return s, nil
}

// Open reattaches to a previously created segment storage by reading its
// manifest and remapping each backing file at its recorded offset.
func Open(dir string, logger *slog.Logger) (*Storage, error) {
	doc, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: read manifest: %w", err)
	}
	if err := checkBlockFiles(dir, len(doc.BlockSizes)); err != nil {
		return nil, err
	}
	s := &Storage{
		dir:              dir,
		log:              logging.Default(logger).With("component", "segment"),
		reserveSize:      doc.ReserveSize,
		chunkSize:        doc.ChunkSize,
		initialBlockSize: doc.InitialBlockSize,
		maxBlockSize:     doc.MaxBlockSize,
	}
	base, err := reserve(doc.ReserveSize)
	if err != nil {
		return nil, fmt.Errorf("segment: reserve address space: %w", err)
	}
	s.base = base

	var offset int64
	for i, blockSize := range doc.BlockSizes {
		if err := s.mapBlock(i, blockSize); err != nil {
			unreserve(base, doc.ReserveSize)
			return nil, fmt.Errorf("segment: remap block %d: %w", i, err)
		}
		offset += blockSize
	}
	s.backed = offset
	s.log.Info("segment storage opened", "dir", dir, "blocks", len(doc.BlockSizes), "backed", s.backed)
	return s, nil
}

// Base returns the address of byte 0 of the reservation. Valid object
// offsets, when added to this address, yield a live pointer.
func (s *Storage) Base() unsafe.Pointer {
	return unsafe.Pointer(s.base)
}

// Size returns the number of bytes currently backed (the valid offset
// range is [0, Size())).
func (s *Storage) Size() int64 { return s.backed }

// ReserveSize returns the total reserved address space.
func (s *Storage) ReserveSize() int64 { return s.reserveSize }

// ChunkSize returns the chunk size this storage was created with.
func (s *Storage) ChunkSize() int64 { return s.chunkSize }

// Extend grows backed storage so that at least minSize bytes are backed,
// mapping as many new doubling-sized blocks as needed.
func (s *Storage) Extend(minSize int64) error {
	for s.backed < minSize {
		next := s.nextBlockSize()
		if s.backed+next > s.reserveSize {
			return fmt.Errorf("%w: backed=%d next=%d reserve=%d", ErrReservationExceeded, s.backed, next, s.reserveSize)
		}
		if err := s.mapBlock(len(s.blocks), next); err != nil {
			return err
		}
		s.backed += next
	}
	return s.writeManifest()
}

func (s *Storage) nextBlockSize() int64 {
	if len(s.blocks) == 0 {
		return s.initialBlockSize
	}
	last := s.blocks[len(s.blocks)-1].size
	next := last * 2
	if s.maxBlockSize > 0 && next > s.maxBlockSize {
		next = s.maxBlockSize
	}
	return next
}

// checkBlockFiles verifies that exactly the backing files the manifest
// expects are present in dir before any of them are mapped, so a
// half-deleted datastore fails with a clear error instead of a confusing
// mmap failure partway through Open.
func checkBlockFiles(dir string, expected int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("segment: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := doublestar.Match(blockFilePrefix+"*", e.Name())
		if err != nil {
			return fmt.Errorf("segment: match block file pattern: %w", err)
		}
		if ok {
			names = append(names, e.Name())
		}
	}
	if len(names) != expected {
		return fmt.Errorf("segment: expected %d backing files, found %d (%v)", expected, len(names), names)
	}
	for i := 0; i < expected; i++ {
		want := fmt.Sprintf("%s%d", blockFilePrefix, i)
		if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
			return fmt.Errorf("segment: missing backing file %s: %w", want, err)
		}
	}
	return nil
}

func (s *Storage) mapBlock(index int, size int64) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%s%d", blockFilePrefix, index))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("segment: open backing file %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("segment: truncate backing file %s: %w", path, err)
	}

	var offset int64
	for _, b := range s.blocks {
		offset += b.size
	}
	addr := s.base + uintptr(offset)
	if _, err := mmapFixed(addr, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, int(f.Fd()), 0); err != nil {
		f.Close()
		return fmt.Errorf("segment: map backing file %s: %w", path, err)
	}
	s.blocks = append(s.blocks, blockMapping{file: f, size: size})
	return nil
}

// Sync flushes every backed block's dirty pages to disk and refreshes
// the manifest's per-block checksums to match what was just persisted.
// When strong is true each block is protected read-only before the msync
// and restored to read-write after, so any in-flight write during the
// sync faults instead of racing the checksum computed from the same
// bytes; the msync itself is MS_SYNC. When strong is false the protect
// cycle is skipped and the msync is MS_ASYNC, queuing writeback without
// blocking on it.
func (s *Storage) Sync(strong bool) error {
	flag := unix.MS_ASYNC
	if strong {
		flag = unix.MS_SYNC
	}
	var offset int64
	for i, b := range s.blocks {
		addr := s.base + uintptr(offset)
		size := int(b.size)
		if strong {
			if err := mprotect(addr, size, unix.PROT_READ); err != nil {
				return fmt.Errorf("segment: protect block %d read-only: %w", i, err)
			}
		}
		syncErr := msync(addr, size, flag)
		if strong {
			if err := mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
				return fmt.Errorf("segment: restore block %d read-write: %w", i, err)
			}
		}
		if syncErr != nil {
			return fmt.Errorf("segment: msync block %d: %w", i, syncErr)
		}
		offset += b.size
	}
	return s.writeManifest()
}

// FreeRegion releases the physical pages backing [offset, offset+length)
// back to the OS without shrinking the reservation or renumbering
// anything above it, via hole punching on the owning backing file. The
// allocator calls it when a small chunk becomes empty or a large run is
// freed, and for the page-aligned part of a freed small-object slot.
func (s *Storage) FreeRegion(offset, length int64) error {
	if offset < 0 || length <= 0 || offset+length > s.backed {
		return fmt.Errorf("segment: region [%d,%d) out of backed range [0,%d)", offset, offset+length, s.backed)
	}
	var blockStart int64
	for i, b := range s.blocks {
		blockEnd := blockStart + b.size
		loStart, loEnd := max64(offset, blockStart), min64(offset+length, blockEnd)
		if loStart < loEnd {
			if err := unix.Fallocate(int(b.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, loStart-blockStart, loEnd-loStart); err != nil {
				return fmt.Errorf("segment: punch hole in block %d: %w", i, err)
			}
		}
		blockStart = blockEnd
	}
	return nil
}

// Close unmaps the reservation and closes backing files without deleting
// anything on disk.
func (s *Storage) Close() error {
	var firstErr error
	if s.base != 0 {
		if err := unreserve(s.base, s.reserveSize); err != nil && firstErr == nil {
			firstErr = err
		}
		s.base = 0
	}
	for _, b := range s.blocks {
		if err := b.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.blocks = nil
	return firstErr
}

// Destroy closes the storage and removes every backing file from disk.
func (s *Storage) Destroy() error {
	paths := make([]string, 0, len(s.blocks))
	for i := range s.blocks {
		paths = append(paths, filepath.Join(s.dir, fmt.Sprintf("%s%d", blockFilePrefix, i)))
	}
	err := s.Close()
	for _, p := range paths {
		if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	if rmErr := os.Remove(manifestPath(s.dir)); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
