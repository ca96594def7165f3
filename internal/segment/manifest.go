package segment

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"metallgo/internal/format"
)

const manifestFileName = "segment_manifest"
const manifestVersion = 1

// manifestDoc records a segment's shape: the original reservation
// parameters plus the exact size and content checksum of every backing
// block mapped so far. Open takes the reservation size and block sizes
// from it, and Verify checks block sizes and checksums against it; the
// backing files and the chunk directory remain the source of truth for
// actual content.
type manifestDoc struct {
	ReserveSize      int64    `json:"reserve_size"`
	ChunkSize        int64    `json:"chunk_size"`
	InitialBlockSize int64    `json:"initial_block_size"`
	MaxBlockSize     int64    `json:"max_block_size"`
	BlockSizes       []int64  `json:"block_sizes"`
	BlockChecksums   []string `json:"block_checksums,omitempty"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

// blockChecksum hashes a backing file's current on-disk content with
// blake2b-256. Read from the file rather than the live mapping so the
// checksum reflects what msync has actually persisted.
func blockChecksum(f *os.File) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("segment: new blake2b hash: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("segment: seek backing file: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("segment: hash backing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Storage) writeManifest() error {
	doc := manifestDoc{
		ReserveSize:      s.reserveSize,
		ChunkSize:        s.chunkSize,
		InitialBlockSize: s.initialBlockSize,
		MaxBlockSize:     s.maxBlockSize,
	}
	for _, b := range s.blocks {
		doc.BlockSizes = append(doc.BlockSizes, b.size)
		sum, err := blockChecksum(b.file)
		if err != nil {
			return err
		}
		doc.BlockChecksums = append(doc.BlockChecksums, sum)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("segment: marshal manifest: %w", err)
	}
	h := format.Header{Type: format.TypeSegmentManifest, Version: manifestVersion}
	header := h.Encode()
	buf := append(header[:], payload...)

	tmp, err := os.CreateTemp(s.dir, "segment_manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("segment: create manifest temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("segment: write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("segment: close manifest temp file: %w", err)
	}
	return os.Rename(tmpPath, manifestPath(s.dir))
}

// Mismatch describes one backing block whose on-disk content no longer
// matches what the manifest recorded at the last clean Sync.
type Mismatch struct {
	Block     int
	Reason    string
	Want, Got string
}

// Verify re-reads every backing file for the segment storage in dir and
// compares its size and blake2b checksum against the manifest, without
// mapping or reserving any address space. Intended for a closed
// datastore; the result is meaningless against one still open for
// writing since its manifest may be stale until the next Sync.
func Verify(dir string) ([]Mismatch, error) {
	doc, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: read manifest: %w", err)
	}
	var mismatches []Mismatch
	for i, wantSize := range doc.BlockSizes {
		path := filepath.Join(dir, fmt.Sprintf("%s%d", blockFilePrefix, i))
		f, err := os.Open(path)
		if err != nil {
			mismatches = append(mismatches, Mismatch{Block: i, Reason: fmt.Sprintf("open failed: %v", err)})
			continue
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			mismatches = append(mismatches, Mismatch{Block: i, Reason: fmt.Sprintf("stat failed: %v", err)})
			continue
		}
		if info.Size() != wantSize {
			mismatches = append(mismatches, Mismatch{
				Block:  i,
				Reason: "size mismatch",
				Want:   fmt.Sprintf("%d", wantSize),
				Got:    fmt.Sprintf("%d", info.Size()),
			})
			f.Close()
			continue
		}
		if i < len(doc.BlockChecksums) {
			got, err := blockChecksum(f)
			f.Close()
			if err != nil {
				mismatches = append(mismatches, Mismatch{Block: i, Reason: fmt.Sprintf("checksum failed: %v", err)})
				continue
			}
			if want := doc.BlockChecksums[i]; got != want {
				mismatches = append(mismatches, Mismatch{Block: i, Reason: "checksum mismatch", Want: want, Got: got})
			}
		} else {
			f.Close()
		}
	}
	return mismatches, nil
}

func readManifest(dir string) (manifestDoc, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if err != nil {
		return manifestDoc{}, err
	}
	if _, err := format.DecodeAndValidate(data, format.TypeSegmentManifest, manifestVersion); err != nil {
		return manifestDoc{}, fmt.Errorf("segment manifest: %w", err)
	}
	var doc manifestDoc
	if err := json.Unmarshal(data[format.HeaderSize:], &doc); err != nil {
		return manifestDoc{}, fmt.Errorf("segment manifest: decode payload: %w", err)
	}
	return doc, nil
}
