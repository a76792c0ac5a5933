package rom

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
)

// Packed file payloads begin with a codec magic and the unpacked size.
const (
	magicCPRS = "CPRS"
	magicLZMA = "LZMA"

	codecHeaderLen = 8
)

// ErrUnsupportedCodec marks a packed file whose codec we cannot
// decode. CPRS is Seagate-proprietary with no public description.
var ErrUnsupportedCodec = errors.New("unsupported compression codec")

// Unpack returns the file payload with any packing removed. Files not
// flagged as packed, or packed with no recognizable codec header, are
// returned as-is.
func (f *File) Unpack() ([]byte, error) {
	if !f.Packed || len(f.Data) < codecHeaderLen {
		return f.Data, nil
	}
	switch string(f.Data[:4]) {
	case magicLZMA:
		return unpackLZMA(f.Data)
	case magicCPRS:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "CPRS file id %#x", f.id)
	}
	return f.Data, nil
}

func unpackLZMA(data []byte) ([]byte, error) {
	want := binary.LittleEndian.Uint32(data[4:8])
	r, err := lzma.NewReader(bytes.NewReader(data[codecHeaderLen:]))
	if err != nil {
		return nil, errors.Wrap(err, "lzma header")
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "lzma stream")
	}
	if uint64(len(out)) != uint64(want) {
		return nil, errors.Errorf("lzma: unpacked %d bytes, header declares %d", len(out), want)
	}
	return out, nil
}
