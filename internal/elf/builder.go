// Package elf serializes memory regions into a 32-bit little-endian
// ARM ELF executable with one PT_LOAD segment per region.
package elf

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"rom2elf/internal/image"
)

const (
	ehSize = 0x34 // ELF32 header
	phSize = 0x20 // ELF32 program header
	shSize = 0x28 // ELF32 section header

	etExec     = 2
	emARM      = 0x28
	ptLoad     = 1
	evCurrent  = 1
	classELF32 = 1
	data2LSB   = 1
)

// Builder accumulates loadable segments and emits the whole file in
// one forward pass: ELF header, program header table, a null section
// header, then the raw segment bytes.
type Builder struct {
	segments []image.Region
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) AddSegment(r image.Region) {
	b.segments = append(b.segments, r)
}

// Bytes serializes the accumulated segments. Segments are emitted in
// the order they were added; callers wanting the canonical layout add
// them pre-sorted (image.Layout.Regions does this).
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.segments) == 0 {
		return nil, errors.New("no loadable segments")
	}

	phOff := uint32(ehSize)
	shOff := phOff + uint32(len(b.segments))*phSize
	dataOff := shOff + shSize

	total := uint64(dataOff)
	for _, s := range b.segments {
		total += uint64(len(s.Data))
	}
	if total > 1<<32 {
		return nil, errors.Errorf("image too large for ELF32: %d bytes", total)
	}
	buf := make([]byte, total)

	// e_ident
	buf[0] = 0x7f
	copy(buf[1:], "ELF")
	buf[4] = classELF32
	buf[5] = data2LSB
	buf[6] = evCurrent
	// EI_OSABI and the padding stay zero (SYSV).

	le := binary.LittleEndian
	le.PutUint16(buf[16:], etExec)
	le.PutUint16(buf[18:], emARM)
	le.PutUint32(buf[20:], evCurrent)
	le.PutUint32(buf[24:], 0) // e_entry: none, this is a memory image
	le.PutUint32(buf[28:], phOff)
	le.PutUint32(buf[32:], shOff)
	le.PutUint32(buf[36:], 0) // e_flags
	le.PutUint16(buf[40:], ehSize)
	le.PutUint16(buf[42:], phSize)
	le.PutUint16(buf[44:], uint16(len(b.segments)))
	le.PutUint16(buf[46:], shSize)
	le.PutUint16(buf[48:], 1) // e_shnum: the null section header only
	le.PutUint16(buf[50:], 0) // e_shstrndx: SHN_UNDEF

	off := dataOff
	for i, s := range b.segments {
		ph := buf[phOff+uint32(i)*phSize:]
		le.PutUint32(ph[0:], ptLoad)
		le.PutUint32(ph[4:], off)
		le.PutUint32(ph[8:], s.Base)
		le.PutUint32(ph[12:], s.Base)
		le.PutUint32(ph[16:], uint32(len(s.Data)))
		le.PutUint32(ph[20:], uint32(len(s.Data))) // no zero-fill expansion
		le.PutUint32(ph[24:], uint32(s.Perm))
		le.PutUint32(ph[28:], 0) // p_align

		copy(buf[off:], s.Data)
		off += uint32(len(s.Data))
	}

	// The section header table holds a single SHT_NULL entry, which is
	// all zeros; the buffer already is.

	return buf, nil
}
