package image

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Perm is the access permission bit set of a memory region. The bit
// values match the ELF p_flags encoding so the packager can use them
// directly.
type Perm uint32

const (
	PermX Perm = 1 << iota
	PermW
	PermR
)

func (p Perm) String() string {
	buf := []byte("---")
	if p&PermR != 0 {
		buf[0] = 'r'
	}
	if p&PermW != 0 {
		buf[1] = 'w'
	}
	if p&PermX != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

var (
	ErrEmptyRegion = errors.New("memory region is empty")
	ErrRegionRange = errors.New("memory region extends past the 32-bit address space")
	ErrOverlap     = errors.New("memory regions overlap")
)

// Region is a contiguous run of bytes loaded at a fixed base address.
type Region struct {
	Base uint32
	Data []byte
	Perm Perm

	// Origin names where the region came from (input path or embedded
	// file id) for listings and error messages.
	Origin string
}

// End returns the first address past the region. Computed in 64 bits
// so a region ending exactly at 0x1_0000_0000 is representable.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(len(r.Data))
}

func (r Region) validate() error {
	if len(r.Data) == 0 {
		return errors.Wrapf(ErrEmptyRegion, "%s at %#x", r.Origin, r.Base)
	}
	if r.End() > 1<<32 {
		return errors.Wrapf(ErrRegionRange, "%s: %#x+%#x", r.Origin, r.Base, len(r.Data))
	}
	return nil
}

// Layout is the set of memory regions destined for one output image.
type Layout struct {
	regions []Region
}

func (l *Layout) Add(r Region) {
	l.regions = append(l.regions, r)
}

func (l *Layout) Len() int {
	return len(l.regions)
}

// Regions returns the regions sorted by ascending base address. The
// sort is stable so equal bases keep insertion order (they will fail
// Validate anyway).
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Base < out[j].Base
	})
	return out
}

// Validate checks every region individually and rejects any pair of
// regions whose address ranges intersect. Adjacent regions (one ends
// exactly where the next begins) are fine.
func (l *Layout) Validate() error {
	regions := l.Regions()
	for _, r := range regions {
		if err := r.validate(); err != nil {
			return err
		}
	}
	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		if uint64(cur.Base) < prev.End() {
			return errors.Wrap(ErrOverlap, overlapDetail(prev, cur))
		}
	}
	return nil
}

func overlapDetail(a, b Region) string {
	return fmt.Sprintf("%s [%#x,%#x) and %s [%#x,%#x)",
		a.Origin, a.Base, a.End(), b.Origin, b.Base, b.End())
}
