package metall

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"metallgo/internal/metadata"
)

// Snapshot copies this datastore's files into destDir, which must not
// already exist, while the datastore remains open. It flushes first so
// the copy reflects every completed Allocate/Deallocate/ConstructNamed
// call, then copies each backing file concurrently: segment_block files
// dominate a datastore's size and have no cross-file dependency, so
// copying them one goroutine apiece (joined by errgroup) is the
// dominant win over a single sequential pass.
//
// The source datastore is live and was never closed, so its copy carries
// no properly-closed mark and would otherwise fail to open. Snapshot mints
// destDir a fresh UUID (marking it as a distinct datastore from the
// source) and writes the mark itself so destDir opens cleanly on its own.
func (m *Manager) Snapshot(destDir string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.saveDirectories(); err != nil {
		return err
	}
	if err := m.storage.Sync(true); err != nil {
		return err
	}
	if err := copyDatastoreDir(m.dir, destDir); err != nil {
		return err
	}
	if _, err := metadata.Rekey(destDir); err != nil {
		return err
	}
	return metadata.MarkClosed(destDir)
}

// Copy duplicates a closed datastore at srcDir into destDir, which must
// not already exist. Unlike Snapshot this does not require an open
// Manager; it is the primitive CLI commands like "metall copy" build on.
func Copy(srcDir, destDir string) error {
	return copyDatastoreDir(srcDir, destDir)
}

// Remove deletes the datastore at dir: every entry in dir is removed
// recursively, whether or not it is a recognized datastore file, and then
// dir itself is removed.
func Remove(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("metall: list datastore dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("metall: remove %s: %w", e.Name(), err)
		}
	}
	return os.Remove(dir)
}

func copyDatastoreDir(srcDir, destDir string) error {
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, destDir)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("metall: create destination dir: %w", err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("metall: list source dir: %w", err)
	}

	var g errgroup.Group
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			return copyFile(filepath.Join(srcDir, name), filepath.Join(destDir, name))
		})
	}
	return g.Wait()
}

// copyFile duplicates src to dest without reinflating holes that
// segment.FreeRegion has already punched in src: a plain byte-for-byte copy
// would read freed regions back as zeros and write them out as allocated
// physical pages, bloating the copy far past the original's disk usage.
// It tries a same-filesystem FICLONE reflink first, which copies holes as
// holes for free; when that is unavailable (different filesystem, or a
// filesystem without reflink support) it falls back to walking src's data
// extents with SEEK_DATA/SEEK_HOLE and writing only those extents into the
// freshly created dest, so the gaps stay holes there.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("metall: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("metall: create %s: %w", tmp, err)
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		if err := sparseCopy(in, out, info.Size()); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("metall: copy %s: %w", src, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// sparseCopy copies only the data extents of in into out, leaving the gaps
// between them unwritten so they remain holes in out rather than runs of
// zero bytes.
func sparseCopy(in, out *os.File, size int64) error {
	var pos int64
	for pos < size {
		dataStart, err := in.Seek(pos, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, syscall.ENXIO) {
				break // no more data; remainder of the file is a trailing hole
			}
			return fmt.Errorf("seek data at %d: %w", pos, err)
		}
		holeStart, err := in.Seek(dataStart, unix.SEEK_HOLE)
		if err != nil {
			return fmt.Errorf("seek hole at %d: %w", dataStart, err)
		}

		if _, err := in.Seek(dataStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := out.Seek(dataStart, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(out, in, holeStart-dataStart); err != nil {
			return fmt.Errorf("copy extent [%d,%d): %w", dataStart, holeStart, err)
		}
		pos = holeStart
	}
	return out.Truncate(size)
}
