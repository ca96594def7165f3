// Package archive exports a closed datastore into a single seekable-zstd
// compressed file for cold storage, and imports one back into a fresh
// datastore directory. It exists because a live datastore reserves a huge
// sparse address range and scatters its content across several
// segment_block files; an archive collapses that into one compact,
// independently-readable artifact suitable for shipping off-box.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"metallgo/internal/format"
)

// frameSize is the uncompressed size of each independently-compressed
// seekable zstd frame.
const frameSize = 1 << 20 // 1MiB, larger than log records since segment_block files are large

const currentArchiveVersion = 1

type manifestEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type manifestDoc struct {
	Entries []manifestEntry `json:"entries"`
}

// Export writes every regular file in srcDir (a closed datastore
// directory) into a single seekable-zstd archive at destFile.
func Export(srcDir, destFile string) error {
	dirEntries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("archive: list %s: %w", srcDir, err)
	}
	var entries []manifestEntry
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", e.Name(), err)
		}
		entries = append(entries, manifestEntry{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	manifest, err := json.Marshal(manifestDoc{Entries: entries})
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}

	out, err := os.Create(destFile)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", destFile, err)
	}
	defer out.Close()

	h := format.Header{Type: format.TypeArchive, Version: currentArchiveVersion}
	header := h.Encode()
	if _, err := out.Write(header[:]); err != nil {
		return fmt.Errorf("archive: write header: %w", err)
	}
	var manifestLen [8]byte
	putUint64(manifestLen[:], uint64(len(manifest)))
	if _, err := out.Write(manifestLen[:]); err != nil {
		return fmt.Errorf("archive: write manifest length: %w", err)
	}
	if _, err := out.Write(manifest); err != nil {
		return fmt.Errorf("archive: write manifest: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("archive: new encoder: %w", err)
	}
	defer enc.Close()

	sw, err := seekable.NewWriter(out, enc)
	if err != nil {
		return fmt.Errorf("archive: new seekable writer: %w", err)
	}

	for _, entry := range entries {
		if err := streamFileInto(sw, filepath.Join(srcDir, entry.Name)); err != nil {
			sw.Close()
			return fmt.Errorf("archive: stream %s: %w", entry.Name, err)
		}
	}
	return sw.Close()
}

func streamFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, frameSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Import unpacks a seekable-zstd archive created by Export into destDir,
// which must not already exist.
func Import(archiveFile, destDir string) error {
	in, err := os.Open(archiveFile)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", archiveFile, err)
	}
	defer in.Close()

	var header [format.HeaderSize]byte
	if _, err := io.ReadFull(in, header[:]); err != nil {
		return fmt.Errorf("archive: read header: %w", err)
	}
	if _, err := format.DecodeAndValidate(header[:], format.TypeArchive, currentArchiveVersion); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	var manifestLen [8]byte
	if _, err := io.ReadFull(in, manifestLen[:]); err != nil {
		return fmt.Errorf("archive: read manifest length: %w", err)
	}
	manifest := make([]byte, getUint64(manifestLen[:]))
	if _, err := io.ReadFull(in, manifest); err != nil {
		return fmt.Errorf("archive: read manifest: %w", err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(manifest, &doc); err != nil {
		return fmt.Errorf("archive: decode manifest: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: create %s: %w", destDir, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("archive: new decoder: %w", err)
	}
	defer dec.Close()

	dataStart, err := in.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("archive: locate compressed data: %w", err)
	}
	section := io.NewSectionReader(in, dataStart, mustStatSize(in)-dataStart)
	sr, err := seekable.NewReader(section, dec)
	if err != nil {
		return fmt.Errorf("archive: new seekable reader: %w", err)
	}
	defer sr.Close()

	for _, entry := range doc.Entries {
		if err := extractEntry(sr, destDir, entry); err != nil {
			return fmt.Errorf("archive: extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

func extractEntry(r io.Reader, destDir string, entry manifestEntry) error {
	out, err := os.Create(filepath.Join(destDir, entry.Name))
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.CopyN(out, r, entry.Size); err != nil {
		return err
	}
	return nil
}

func mustStatSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
