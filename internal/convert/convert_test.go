package convert

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rom2elf/internal/image"
)

func writeInput(t *testing.T, fs afero.Fs, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, data, 0644))
}

func readELF(t *testing.T, fs afero.Fs, path string) *stdelf.File {
	t.Helper()
	blob, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	f, err := stdelf.NewFile(bytes.NewReader(blob))
	require.NoError(t, err)
	return f
}

func segData(t *testing.T, p *stdelf.Prog) []byte {
	t.Helper()
	got, err := io.ReadAll(p.Open())
	require.NoError(t, err)
	return got
}

func TestConvertFlatROMOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	rom := bytes.Repeat([]byte{0xA5}, 0x240)
	writeInput(t, fs, "rom.bin", rom)

	cfg := Config{ROMPath: "rom.bin", OutputPath: "out.elf"}
	require.NoError(t, New(fs, nil).Convert(cfg))

	f := readELF(t, fs, "out.elf")
	require.Len(t, f.Progs, 1)
	p := f.Progs[0]
	assert.Equal(t, stdelf.PT_LOAD, p.Type)
	assert.Equal(t, uint64(0), p.Vaddr)
	assert.Equal(t, uint64(len(rom)), p.Filesz)
	assert.Equal(t, stdelf.PF_R|stdelf.PF_X, p.Flags)
	assert.Equal(t, rom, segData(t, p))
}

func TestConvertROMAndRAM(t *testing.T) {
	fs := afero.NewMemMapFs()
	rom := bytes.Repeat([]byte{0x11}, 0x300)
	ram := bytes.Repeat([]byte{0x22}, 0x80)
	writeInput(t, fs, "rom.bin", rom)
	writeInput(t, fs, "ram.bin", ram)

	cfg := Config{
		ROMPath:    "rom.bin",
		OutputPath: "out.elf",
		RAMPath:    "ram.bin",
		RAMBase:    0x100000,
	}
	require.NoError(t, New(fs, nil).Convert(cfg))

	f := readELF(t, fs, "out.elf")
	require.Len(t, f.Progs, 2)

	assert.Equal(t, uint64(0), f.Progs[0].Vaddr)
	assert.Equal(t, rom, segData(t, f.Progs[0]))

	assert.Equal(t, uint64(0x100000), f.Progs[1].Vaddr)
	assert.Equal(t, stdelf.PF_R|stdelf.PF_W, f.Progs[1].Flags)
	assert.Equal(t, ram, segData(t, f.Progs[1]))
}

func TestConvertOverlapLeavesNoOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, "rom.bin", bytes.Repeat([]byte{1}, 0x2000))
	writeInput(t, fs, "ram.bin", bytes.Repeat([]byte{2}, 0x100))

	cfg := Config{
		ROMPath:    "rom.bin",
		OutputPath: "out.elf",
		RAMPath:    "ram.bin",
		RAMBase:    0x1000, // inside the ROM's [0, 0x2000) range
	}
	err := New(fs, nil).Convert(cfg)
	require.ErrorIs(t, err, image.ErrOverlap)

	exists, ferr := afero.Exists(fs, "out.elf")
	require.NoError(t, ferr)
	assert.False(t, exists)
}

func TestConvertMissingROM(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{ROMPath: "missing.bin", OutputPath: "out.elf"}

	err := New(fs, nil).Convert(cfg)
	require.ErrorIs(t, err, ErrReadInput)

	exists, ferr := afero.Exists(fs, "out.elf")
	require.NoError(t, ferr)
	assert.False(t, exists)
}

func TestConvertEmptyRAM(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, "rom.bin", []byte{1, 2, 3})
	writeInput(t, fs, "ram.bin", nil)

	cfg := Config{ROMPath: "rom.bin", OutputPath: "out.elf", RAMPath: "ram.bin", RAMBase: 0x100000}
	require.ErrorIs(t, New(fs, nil).Convert(cfg), ErrReadInput)
}

// discImage builds a minimal new-style Seagate container holding one
// directory with the given files.
type dirFile struct {
	id   uint8
	load uint32
	data []byte
}

func discImage(files ...dirFile) []byte {
	var dir []byte
	for _, f := range files {
		hdr := make([]byte, 8)
		hdr[0] = (f.id & 0x0f) << 1
		hdr[1] = byte((len(f.data)%0x40)<<2) & 0xf0
		binary.LittleEndian.PutUint16(hdr[2:], uint16(len(f.data)/0x40))
		binary.LittleEndian.PutUint32(hdr[4:], f.load)
		dir = append(dir, hdr...)
		dir = append(dir, f.data...)
	}
	dir = append(dir, make([]byte, 8)...) // id-0 terminator

	const headerLen = 32
	dataOff := headerLen + 8 // two table entries
	img := make([]byte, headerLen)
	copy(img[16:20], "csiD")
	img = append(img, 1, byte(dataOff), byte(dataOff>>8), byte(dataOff>>16))
	end := dataOff + len(dir)
	img = append(img, 0, byte(end), byte(end>>8), byte(end>>16))
	return append(img, dir...)
}

func TestConvertContainerLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	boot := bytes.Repeat([]byte{0xB0}, 0x80)
	app := bytes.Repeat([]byte{0xAB}, 0x144)
	writeInput(t, fs, "rom.bin", discImage(
		dirFile{id: 1, load: 0, data: boot},
		dirFile{id: 2, load: 0x100000, data: app},
	))

	cfg := Config{ROMPath: "rom.bin", OutputPath: "out.elf", ParseLayout: true}
	require.NoError(t, New(fs, nil).Convert(cfg))

	f := readELF(t, fs, "out.elf")
	require.Len(t, f.Progs, 2)
	assert.Equal(t, uint64(0), f.Progs[0].Vaddr)
	assert.Equal(t, boot, segData(t, f.Progs[0]))
	assert.Equal(t, uint64(0x100000), f.Progs[1].Vaddr)
	assert.Equal(t, app, segData(t, f.Progs[1]))
	assert.Equal(t, stdelf.PF_R|stdelf.PF_W|stdelf.PF_X, f.Progs[0].Flags)
}

func TestListWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeInput(t, fs, "rom.bin", bytes.Repeat([]byte{7}, 0x100))
	writeInput(t, fs, "ram.bin", bytes.Repeat([]byte{8}, 0x40))

	cfg := Config{
		ROMPath:    "rom.bin",
		OutputPath: "out.elf",
		RAMPath:    "ram.bin",
		RAMBase:    0x100000,
	}

	var buf bytes.Buffer
	require.NoError(t, New(fs, nil).List(cfg, &buf))

	out := buf.String()
	assert.Contains(t, out, "0x00000000")
	assert.Contains(t, out, "0x00100000")
	assert.Contains(t, out, "rom.bin")
	assert.Contains(t, out, "ram.bin")

	exists, err := afero.Exists(fs, "out.elf")
	require.NoError(t, err)
	assert.False(t, exists)
}
