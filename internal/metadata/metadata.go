// Package metadata implements the manager kernel's datastore metadata:
// the format version and UUID stamped into a datastore at creation, and
// the "properly closed" mark that lets a later open detect a crash or an
// unclean shutdown before trusting the rest of the datastore's state.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"metallgo/internal/format"
)

const (
	metaFileName         = "metall_meta"
	properlyClosedMark   = "metall_properly_closed"
	currentMetaVersion   = 1
	formatVersionCurrent = 1
)

// Meta is a datastore's identity: a random UUID assigned once at create
// time, the on-disk format version it was written with, and the
// size-class geometry it was created with. Geometry is duplicated here
// (segment storage's own manifest also records chunk size) so Open can
// cross-check the two and fail loudly on a partially-written or
// tampered-with datastore rather than silently misinterpreting offsets.
type Meta struct {
	UUID          uuid.UUID `json:"uuid"`
	FormatVersion int       `json:"format_version"`

	MinObjectSize int64 `json:"min_object_size"`
	ChunkSize     int64 `json:"chunk_size"`
	MaxObjectSize int64 `json:"max_object_size"`
}

type wireMeta struct {
	UUID          string `json:"uuid"`
	FormatVersion int    `json:"format_version"`
	MinObjectSize int64  `json:"min_object_size"`
	ChunkSize     int64  `json:"chunk_size"`
	MaxObjectSize int64  `json:"max_object_size"`
}

func metaPath(dir string) string { return filepath.Join(dir, metaFileName) }
func markPath(dir string) string { return filepath.Join(dir, properlyClosedMark) }

// Create stamps a new Meta for a freshly created datastore at dir and
// writes it to disk. The datastore is left without a properly-closed
// mark until Close is called.
func Create(dir string, minObjectSize, chunkSize, maxObjectSize int64) (Meta, error) {
	m := Meta{
		UUID:          uuid.New(),
		FormatVersion: formatVersionCurrent,
		MinObjectSize: minObjectSize,
		ChunkSize:     chunkSize,
		MaxObjectSize: maxObjectSize,
	}
	if err := save(dir, m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Load reads a datastore's metadata without touching the close mark.
func Load(dir string) (Meta, error) {
	data, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return Meta{}, fmt.Errorf("metadata: read: %w", err)
	}
	if _, err := format.DecodeAndValidate(data, format.TypeDatastoreMeta, currentMetaVersion); err != nil {
		return Meta{}, fmt.Errorf("metadata: %w", err)
	}
	var wire wireMeta
	if err := json.Unmarshal(data[format.HeaderSize:], &wire); err != nil {
		return Meta{}, fmt.Errorf("metadata: decode payload: %w", err)
	}
	id, err := uuid.Parse(wire.UUID)
	if err != nil {
		return Meta{}, fmt.Errorf("metadata: parse uuid: %w", err)
	}
	return Meta{
		UUID:          id,
		FormatVersion: wire.FormatVersion,
		MinObjectSize: wire.MinObjectSize,
		ChunkSize:     wire.ChunkSize,
		MaxObjectSize: wire.MaxObjectSize,
	}, nil
}

func save(dir string, m Meta) error {
	wire := wireMeta{
		UUID:          m.UUID.String(),
		FormatVersion: m.FormatVersion,
		MinObjectSize: m.MinObjectSize,
		ChunkSize:     m.ChunkSize,
		MaxObjectSize: m.MaxObjectSize,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("metadata: marshal: %w", err)
	}
	h := format.Header{Type: format.TypeDatastoreMeta, Version: currentMetaVersion}
	header := h.Encode()
	buf := append(header[:], payload...)

	tmp, err := os.CreateTemp(dir, "metall_meta-*.tmp")
	if err != nil {
		return fmt.Errorf("metadata: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metadata: close temp file: %w", err)
	}
	return os.Rename(tmpPath, metaPath(dir))
}

// Rekey mints a fresh UUID for the datastore at dir and persists it,
// leaving every other field of its metadata unchanged. Used by Snapshot to
// stamp a copy as a distinct datastore from the one it was copied from.
func Rekey(dir string) (uuid.UUID, error) {
	m, err := Load(dir)
	if err != nil {
		return uuid.UUID{}, err
	}
	m.UUID = uuid.New()
	if err := save(dir, m); err != nil {
		return uuid.UUID{}, err
	}
	return m.UUID, nil
}

// MarkOpen removes the properly-closed mark. Called at the start of Open
// so that a crash between open and close is detectable on the next open.
func MarkOpen(dir string) error {
	if err := os.Remove(markPath(dir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("metadata: clear close mark: %w", err)
	}
	return nil
}

// MarkClosed writes the properly-closed mark. Called at the end of a
// clean Close.
func MarkClosed(dir string) error {
	f, err := os.Create(markPath(dir))
	if err != nil {
		return fmt.Errorf("metadata: write close mark: %w", err)
	}
	return f.Close()
}

// WasProperlyClosed reports whether the datastore at dir carries a
// properly-closed mark from its last Close.
func WasProperlyClosed(dir string) bool {
	_, err := os.Stat(markPath(dir))
	return err == nil
}
