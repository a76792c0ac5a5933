// Package rom parses the segmented container layout used by Seagate
// drive firmware ROM images. An image starts with a pre-table header
// and a segment table of {id, 24-bit offset} entries; each carved
// element is a nested container, a directory of loadable files, or an
// opaque blob.
package rom

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	extraSpaceID    = 0x00
	rootContainerID = 0x1d

	chunkSize = 0x40

	discHeaderLen = 32
	oldHeaderLen  = 16

	fileHeaderLen = 8
)

// discSignature sits at offset 16 of disc-style containers ("Disc",
// stored reversed).
const discSignature = "csiD"

var ErrMalformed = errors.New("malformed ROM container")

// Element is one node of the parsed container tree.
type Element interface {
	ID() uint8
	Children() []Element
}

// Blob is an element we do not interpret further.
type Blob struct {
	id   uint8
	Data []byte
}

func (b *Blob) ID() uint8           { return b.id }
func (b *Blob) Children() []Element { return nil }

// File is a loadable payload inside a directory. The 8-byte header
// packs the fields into bit fields:
//
//	byte 0: packed flag (bit 0), 4-bit file id, 3-bit file type
//	byte 1: residual byte count (upper nibble, <<2); low nibble unknown
//	bytes 2-3: size in 64-byte chunks (uint16le)
//	bytes 4-7: load address (uint32le)
type File struct {
	Packed   bool
	Type     uint8
	LoadAddr uint32
	Data     []byte

	id uint8
}

func (f *File) ID() uint8           { return f.id }
func (f *File) Children() []Element { return nil }

// Directory holds a run of files terminated by file id 0; leftover
// space becomes a spare blob.
type Directory struct {
	id       uint8
	children []Element
}

func (d *Directory) ID() uint8           { return d.id }
func (d *Directory) Children() []Element { return d.children }

// Container is a segment table plus the elements it points at. Disc
// reports whether the disc-style signature was present (32-byte
// pre-table header instead of 16).
type Container struct {
	Disc bool

	id       uint8
	children []Element
}

func (c *Container) ID() uint8           { return c.id }
func (c *Container) Children() []Element { return c.children }

// Files walks the tree breadth-first and returns every embedded file
// in discovery order.
func (c *Container) Files() []*File {
	var files []*File
	level := []Element{c}
	for len(level) > 0 {
		var next []Element
		for _, el := range level {
			for _, child := range el.Children() {
				if f, ok := child.(*File); ok {
					files = append(files, f)
				} else {
					next = append(next, child)
				}
			}
		}
		level = next
	}
	return files
}

// Parse reads a whole ROM image as the root container. The root is
// disc-style when the signature is present, old-style otherwise.
func Parse(data []byte) (*Container, error) {
	return parseContainer(rootContainerID, data, isDisc(data))
}

func isDisc(data []byte) bool {
	return len(data) >= 20 && string(data[16:20]) == discSignature
}

type tableEntry struct {
	id     uint8
	offset int
}

// parseEntry decodes a 4-byte segment table entry: one id byte and a
// 24-bit little-endian offset.
func parseEntry(b []byte) tableEntry {
	return tableEntry{
		id:     b[0],
		offset: int(b[1]) | int(b[2])<<8 | int(b[3])<<16,
	}
}

func parseContainer(id uint8, data []byte, disc bool) (*Container, error) {
	headerLen := oldHeaderLen
	if disc {
		headerLen = discHeaderLen
		if !isDisc(data) {
			return nil, errors.Wrap(ErrMalformed, "disc signature missing")
		}
	}
	if len(data) < headerLen+4 {
		return nil, errors.Wrapf(ErrMalformed, "image of %d bytes has no segment table", len(data))
	}

	entries, err := parseTable(data, headerLen)
	if err != nil {
		return nil, err
	}

	c := &Container{Disc: disc, id: id}
	for i := 0; i < len(entries)-1; i++ {
		cur, next := entries[i], entries[i+1]
		elemData := carve(data, cur.offset, next.offset)
		if cur.id == rootContainerID || cur.offset == 0 {
			c.children = append(c.children, &Blob{id: cur.id, Data: elemData})
		} else {
			c.children = append(c.children, classify(cur.id, elemData))
		}
	}

	// The last populated entry owns everything to the end of the image.
	// Trailing zero offsets belong to the extra-space terminator.
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].offset == 0 {
			continue
		}
		last := entries[i]
		c.children = append(c.children, classify(last.id, carve(data, last.offset, len(data))))
		break
	}

	return c, nil
}

func parseTable(data []byte, headerLen int) ([]tableEntry, error) {
	first := parseEntry(data[headerLen : headerLen+4])
	if first.offset != 0 {
		// Old-style: the table runs from the header up to the first
		// element it points at.
		if first.offset > len(data) || first.offset < headerLen {
			return nil, errors.Wrapf(ErrMalformed, "segment table points at %#x", first.offset)
		}
		table := data[headerLen:first.offset]
		entries := make([]tableEntry, 0, len(table)/4)
		for i := 0; i+4 <= len(table); i += 4 {
			entries = append(entries, parseEntry(table[i : i+4]))
		}
		return entries, nil
	}

	// New-style: entries up to and including the extra-space id.
	var entries []tableEntry
	for off := headerLen; ; off += 4 {
		if off+4 > len(data) {
			return nil, errors.Wrap(ErrMalformed, "segment table not terminated")
		}
		e := parseEntry(data[off : off+4])
		entries = append(entries, e)
		if e.id == extraSpaceID {
			return entries, nil
		}
	}
}

// classify decides what a carved element is. Nested disc containers
// announce themselves with the signature; a plausible file header
// marks a directory; anything else stays an opaque blob.
func classify(id uint8, data []byte) Element {
	if len(data) > 36 && isDisc(data) {
		if nested, err := parseContainer(id, data, true); err == nil {
			return nested
		}
		return &Blob{id: id, Data: data}
	}
	if len(data) < fileHeaderLen {
		return &Blob{id: id, Data: data}
	}
	hdr := parseFileHeader(data)
	if hdr.size <= len(data) && hdr.loadAddr != 0xffffffff {
		return parseDirectory(id, data)
	}
	return &Blob{id: id, Data: data}
}

type fileHeader struct {
	packed   bool
	id       uint8
	typ      uint8
	size     int
	loadAddr uint32
}

func parseFileHeader(b []byte) fileHeader {
	info := b[0]
	residual := b[1]
	chunks := binary.LittleEndian.Uint16(b[2:4])
	return fileHeader{
		packed:   info&1 == 1,
		id:       (info >> 1) & 0x0f,
		typ:      info >> 5,
		size:     int(chunks)*chunkSize + int(residual&0xf0)>>2,
		loadAddr: binary.LittleEndian.Uint32(b[4:8]),
	}
}

func parseDirectory(id uint8, data []byte) *Directory {
	d := &Directory{id: id}
	off := 0
	for off+fileHeaderLen <= len(data) {
		hdr := parseFileHeader(data[off : off+fileHeaderLen])
		end := off + fileHeaderLen + hdr.size
		if end > len(data) {
			end = len(data)
		}
		f := &File{
			Packed:   hdr.packed,
			Type:     hdr.typ,
			LoadAddr: hdr.loadAddr,
			Data:     data[off+fileHeaderLen : end],
			id:       hdr.id,
		}
		d.children = append(d.children, f)
		off = end
		if f.id == 0 {
			break
		}
	}
	if off != len(data) {
		d.children = append(d.children, &Blob{id: 0, Data: data[off:]})
	}
	return d
}

// carve slices [from,to) with Python-style clamping so a bogus table
// offset degrades to an empty blob instead of a panic.
func carve(data []byte, from, to int) []byte {
	if from < 0 {
		from = 0
	}
	if from > len(data) {
		from = len(data)
	}
	if to > len(data) {
		to = len(data)
	}
	if to < from {
		to = from
	}
	return data[from:to]
}
