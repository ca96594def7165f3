// Package metall is a persistent memory allocator: it lets a process map
// a large region of address space backed by ordinary files, carve typed
// objects out of it by offset rather than by pointer, and reopen that
// same region in a later process with every object still where it was
// left, named objects still reachable by name, and freed space still
// free.
//
// Manager is the package's single entry point. Create and Open both
// return a *Manager bound to one datastore directory; Close flushes and
// unmaps it. Allocate/Deallocate hand out and reclaim anonymous storage;
// ConstructNamed/FindNamed/DestroyNamed do the same through the named
// object directory so a later Open can relocate data without knowing its
// raw offset in advance.
package metall

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"metallgo/internal/alloc"
	"metallgo/internal/chunkdir"
	"metallgo/internal/config"
	"metallgo/internal/logging"
	"metallgo/internal/metadata"
	"metallgo/internal/objdir"
	"metallgo/internal/segment"
	"metallgo/internal/sizeclass"
)

const (
	chunkDirFileName     = "chunk_directory"
	namedObjectsFileName = "named_objects.json"
)

// ErrAlreadyExists is returned by Create when dir already holds a datastore.
var ErrAlreadyExists = errors.New("metall: datastore already exists at this path")

// ErrNotProperlyClosed is returned by Open when the datastore's last
// session ended without a clean Close, signalling its on-disk state may
// be inconsistent. Use OpenForce to bypass the check after recovery.
var ErrNotProperlyClosed = errors.New("metall: datastore was not properly closed; open with OpenForce to bypass")

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("metall: manager is closed")

// ErrReadOnly is returned by any write API (Allocate, Deallocate,
// ConstructNamed, DestroyNamed, Flush) on a Manager opened with
// config.WithReadOnly.
var ErrReadOnly = errors.New("metall: datastore was opened read-only")

// Manager is a handle to one open datastore.
type Manager struct {
	dir   string
	log   *slog.Logger
	table *sizeclass.Table

	storage   *segment.Storage
	allocator *alloc.Allocator

	mu       sync.RWMutex
	objects  *objdir.Directory
	closed   bool
	readOnly bool
}

// Create initializes a brand-new datastore at dir, which must not already
// exist or must be empty.
func Create(dir string, opts ...config.Option) (*Manager, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, "metall_meta")); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metall: create datastore dir: %w", err)
	}

	logger := logging.Discard()
	table := sizeclass.New(cfg.MinObjectSize, cfg.ChunkSize, cfg.MaxObjectSize)

	storage, err := segment.Create(dir, segment.Options{
		ReserveSize:      cfg.InitialReserveSize,
		ChunkSize:        cfg.ChunkSize,
		InitialBlockSize: cfg.InitialBlockSize,
		MaxBlockSize:     cfg.MaxBlockSize,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("metall: create segment storage: %w", err)
	}

	if _, err := metadata.Create(dir, cfg.MinObjectSize, cfg.ChunkSize, cfg.MaxObjectSize); err != nil {
		storage.Destroy()
		return nil, fmt.Errorf("metall: write metadata: %w", err)
	}

	m := &Manager{
		dir:       dir,
		log:       logger.With("component", "metall", "datastore", dir),
		table:     table,
		storage:   storage,
		allocator: alloc.New(storage, table, cfg.SortedBins, cfg.FreeSmallObjectSizeHint, logger),
		objects:   objdir.New(),
	}
	if err := m.saveDirectories(); err != nil {
		storage.Destroy()
		return nil, err
	}
	m.log.Info("datastore created")
	return m, nil
}

// Open reattaches to an existing datastore. It refuses to proceed if the
// datastore was not properly closed last time; call OpenForce instead
// once the operator has decided it is safe to proceed anyway.
func Open(dir string, opts ...config.Option) (*Manager, error) {
	if !metadata.WasProperlyClosed(dir) {
		return nil, fmt.Errorf("%w: %s", ErrNotProperlyClosed, dir)
	}
	return openUnchecked(dir, opts...)
}

// OpenForce reattaches to an existing datastore regardless of whether its
// properly-closed mark is present.
func OpenForce(dir string, opts ...config.Option) (*Manager, error) {
	return openUnchecked(dir, opts...)
}

func openUnchecked(dir string, opts ...config.Option) (*Manager, error) {
	meta, err := metadata.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("metall: load metadata: %w", err)
	}

	// A read-only open must not remove the properly-closed mark: doing so
	// would make an unrelated concurrent writer's crash look like damage
	// caused by this reader, and would leave the mark absent even though
	// nothing was ever written through this handle.
	probe := &config.Config{}
	for _, o := range opts {
		o(probe)
	}
	readOnly := probe.ReadOnly
	if !readOnly {
		if err := metadata.MarkOpen(dir); err != nil {
			return nil, err
		}
	}

	logger := logging.Discard()
	storage, err := segment.Open(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("metall: open segment storage: %w", err)
	}
	if storage.ChunkSize() != meta.ChunkSize {
		storage.Close()
		return nil, fmt.Errorf("metall: chunk size mismatch between metadata (%d) and segment manifest (%d)", meta.ChunkSize, storage.ChunkSize())
	}

	cfg, err := config.New(append(opts,
		config.WithMinObjectSize(meta.MinObjectSize),
		config.WithChunkSize(meta.ChunkSize),
		config.WithMaxObjectSize(meta.MaxObjectSize),
	)...)
	if err != nil {
		storage.Close()
		return nil, err
	}
	table := sizeclass.New(cfg.MinObjectSize, cfg.ChunkSize, cfg.MaxObjectSize)

	numChunks := int(storage.Size() / cfg.ChunkSize)
	chunkFile, err := os.Open(filepath.Join(dir, chunkDirFileName))
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("metall: open chunk directory: %w", err)
	}
	chunks, err := chunkdir.Deserialize(chunkFile, table, numChunks)
	chunkFile.Close()
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("metall: decode chunk directory: %w", err)
	}

	objects := objdir.New()
	if f, err := os.Open(filepath.Join(dir, namedObjectsFileName)); err == nil {
		objects, err = objdir.Deserialize(f)
		f.Close()
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("metall: decode named objects: %w", err)
		}
	} else if !os.IsNotExist(err) {
		storage.Close()
		return nil, fmt.Errorf("metall: open named objects: %w", err)
	}

	m := &Manager{
		dir:       dir,
		log:       logger.With("component", "metall", "datastore", dir, "uuid", meta.UUID.String()),
		table:     table,
		storage:   storage,
		allocator: alloc.Reopen(storage, table, chunks, cfg.SortedBins, cfg.FreeSmallObjectSizeHint, logger),
		objects:   objects,
		readOnly:  readOnly,
	}
	m.log.Info("datastore opened", "read_only", readOnly)
	return m, nil
}

// WithLogger attaches logger to m's subsequent log output. Call
// immediately after Create/Open.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.log = logging.Default(logger).With("component", "metall", "datastore", m.dir)
	return m
}

func (m *Manager) saveDirectories() error {
	chunkTmp := filepath.Join(m.dir, chunkDirFileName+".tmp")
	f, err := os.Create(chunkTmp)
	if err != nil {
		return fmt.Errorf("metall: create chunk directory temp file: %w", err)
	}
	if err := m.allocator.ChunkDirectory().Serialize(f); err != nil {
		f.Close()
		os.Remove(chunkTmp)
		return fmt.Errorf("metall: serialize chunk directory: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(chunkTmp)
		return err
	}
	if err := os.Rename(chunkTmp, filepath.Join(m.dir, chunkDirFileName)); err != nil {
		return err
	}

	objTmp := filepath.Join(m.dir, namedObjectsFileName+".tmp")
	f, err = os.Create(objTmp)
	if err != nil {
		return fmt.Errorf("metall: create named objects temp file: %w", err)
	}
	if err := m.objects.Serialize(f); err != nil {
		f.Close()
		os.Remove(objTmp)
		return fmt.Errorf("metall: serialize named objects: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(objTmp)
		return err
	}
	return os.Rename(objTmp, filepath.Join(m.dir, namedObjectsFileName))
}

// Flush persists the chunk directory, named object directory, and every
// dirty page of segment storage. sync controls whether the underlying
// files are fsynced (true) or merely handed to the OS's write-back cache
// (false, cheaper, used by the periodic background flusher).
func (m *Manager) Flush(sync bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	if err := m.saveDirectories(); err != nil {
		return err
	}
	return m.storage.Sync(sync)
}

// Close unmaps the datastore. On a writable Manager it flushes first and
// writes the properly-closed mark; a read-only Manager never removed that
// mark on open, so it is left untouched here. The Manager must not be used
// afterward.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.readOnly {
		if err := m.storage.Close(); err != nil {
			return err
		}
		m.closed = true
		m.log.Info("read-only datastore closed")
		return nil
	}
	if err := m.saveDirectories(); err != nil {
		return err
	}
	if err := m.storage.Sync(true); err != nil {
		return err
	}
	if err := m.storage.Close(); err != nil {
		return err
	}
	if err := metadata.MarkClosed(m.dir); err != nil {
		return err
	}
	m.closed = true
	m.log.Info("datastore closed")
	return nil
}

// Base returns the address that offset 0 maps to in this process. It
// changes across Open calls and must never be persisted.
func (m *Manager) Base() unsafe.Pointer {
	return m.storage.Base()
}

// ToPointer converts a stable offset (as returned by Allocate, or
// resolved from an offsetptr.Raw stored inside an allocated object) into
// a live pointer in this process.
func (m *Manager) ToPointer(offset int64) unsafe.Pointer {
	return unsafe.Add(m.Base(), offset)
}

// OffsetOf converts a live pointer within this datastore's mapping back
// into a stable offset.
func (m *Manager) OffsetOf(ptr unsafe.Pointer) int64 {
	return int64(uintptr(ptr) - uintptr(m.Base()))
}

// Allocate reserves size bytes and returns a pointer to them.
func (m *Manager) Allocate(size int64) (unsafe.Pointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.readOnly {
		return nil, ErrReadOnly
	}
	offset, err := m.allocator.Allocate(size)
	if err != nil {
		return nil, err
	}
	return m.ToPointer(offset), nil
}

// Deallocate releases a pointer previously returned by Allocate or
// ConstructNamed.
func (m *Manager) Deallocate(ptr unsafe.Pointer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	return m.allocator.Deallocate(m.OffsetOf(ptr))
}

// ConstructNamed allocates size bytes, registers them under name with
// description, and returns the pointer. name must be unused.
func (m *Manager) ConstructNamed(name string, size int64, description string) (unsafe.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.readOnly {
		return nil, ErrReadOnly
	}
	offset, err := m.allocator.Allocate(size)
	if err != nil {
		return nil, err
	}
	if err := m.objects.Insert(name, offset, size, description); err != nil {
		m.allocator.Deallocate(offset)
		return nil, err
	}
	return m.ToPointer(offset), nil
}

// FindNamed returns the pointer and length registered under name.
func (m *Manager) FindNamed(name string) (ptr unsafe.Pointer, length int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	e, err := m.objects.Find(name)
	if err != nil {
		return nil, 0, err
	}
	return m.ToPointer(e.Offset), e.Length, nil
}

// DestroyNamed deallocates and unregisters the object named name.
func (m *Manager) DestroyNamed(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.readOnly {
		return ErrReadOnly
	}
	e, err := m.objects.Erase(name)
	if err != nil {
		return err
	}
	return m.allocator.Deallocate(e.Offset)
}

// Names returns every currently registered named object, in the order
// they were first constructed.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects.Names()
}
