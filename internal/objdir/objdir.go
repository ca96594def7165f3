// Package objdir implements the named object directory: the map from a
// caller-chosen name to the offset, length, and type description of a
// named allocation, so it can be found again in a later process after
// the datastore is reopened.
package objdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNameExists is returned by Insert when name is already registered.
var ErrNameExists = errors.New("objdir: name already exists")

// ErrOffsetExists is returned by Insert when offset is already registered
// under a different name, which would make Find ambiguous.
var ErrOffsetExists = errors.New("objdir: offset already registered under another name")

// ErrNotFound is returned by Find and Erase for an unknown name.
var ErrNotFound = errors.New("objdir: name not found")

// Entry describes one named object.
type Entry struct {
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	Description string `json:"description"`
}

// Directory is an insertion-ordered name -> Entry map.
type Directory struct {
	order   []string
	entries map[string]Entry
	byOff   map[int64]string
}

// New creates an empty named object directory.
func New() *Directory {
	return &Directory{
		entries: make(map[string]Entry),
		byOff:   make(map[int64]string),
	}
}

// Insert registers name at offset with length and description. Both the
// name and the offset must be unused.
func (d *Directory) Insert(name string, offset, length int64, description string) error {
	if _, exists := d.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrNameExists, name)
	}
	if other, exists := d.byOff[offset]; exists {
		return fmt.Errorf("%w: offset %d already named %q", ErrOffsetExists, offset, other)
	}
	d.entries[name] = Entry{Offset: offset, Length: length, Description: description}
	d.byOff[offset] = name
	d.order = append(d.order, name)
	return nil
}

// Find returns the entry registered under name.
func (d *Directory) Find(name string) (Entry, error) {
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// FindByOffset returns the name registered at offset, if any.
func (d *Directory) FindByOffset(offset int64) (string, bool) {
	name, ok := d.byOff[offset]
	return name, ok
}

// Erase removes name's registration, returning its entry so the caller
// can deallocate the backing storage.
func (d *Directory) Erase(name string) (Entry, error) {
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(d.entries, name)
	delete(d.byOff, e.Offset)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return e, nil
}

// Names returns every registered name in insertion order.
func (d *Directory) Names() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of registered names.
func (d *Directory) Len() int { return len(d.order) }

type namedObjectDoc struct {
	Name        string `json:"name"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	Description string `json:"description"`
}

type wireDoc struct {
	NamedObjects []namedObjectDoc `json:"named_objects"`
}

// Serialize writes the directory as {"named_objects": [...]}, preserving
// insertion order.
func (d *Directory) Serialize(w io.Writer) error {
	doc := wireDoc{NamedObjects: make([]namedObjectDoc, 0, len(d.order))}
	for _, name := range d.order {
		e := d.entries[name]
		doc.NamedObjects = append(doc.NamedObjects, namedObjectDoc{
			Name:        name,
			Offset:      e.Offset,
			Length:      e.Length,
			Description: e.Description,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Deserialize reconstructs a Directory from Serialize's format.
func Deserialize(r io.Reader) (*Directory, error) {
	var doc wireDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("objdir: decode: %w", err)
	}
	d := New()
	for _, obj := range doc.NamedObjects {
		if err := d.Insert(obj.Name, obj.Offset, obj.Length, obj.Description); err != nil {
			return nil, err
		}
	}
	return d, nil
}
