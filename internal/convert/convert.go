// Package convert wires the whole pipeline together: read the input
// dumps, build the memory layout, serialize the ELF and write it out.
package convert

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"rom2elf/debug"
	"rom2elf/internal/elf"
	"rom2elf/internal/image"
	"rom2elf/internal/rom"
)

// Error classes for exit-code mapping. Everything else counts as a
// conversion failure.
var (
	ErrReadInput   = errors.New("cannot read input")
	ErrWriteOutput = errors.New("cannot write output")
)

type Config struct {
	ROMPath    string
	OutputPath string

	// ParseLayout enables ROM-mode: the input is a Seagate ROM
	// container whose embedded files are extracted at their recorded
	// load addresses. Otherwise the input is a flat image at 0.
	ParseLayout bool

	// RAMPath, when set, adds the RAM dump as a region at RAMBase.
	RAMPath string
	RAMBase uint32
}

type Converter struct {
	fs     afero.Fs
	logger log.Logger
}

func New(fs afero.Fs, logger log.Logger) *Converter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Converter{fs: fs, logger: logger}
}

// Build reads the configured inputs and assembles the validated
// memory layout. No output is touched.
func (c *Converter) Build(cfg Config) (*image.Layout, error) {
	romData, err := afero.ReadFile(c.fs, cfg.ROMPath)
	if err != nil {
		return nil, errors.Wrapf(ErrReadInput, "ROM %s: %v", cfg.ROMPath, err)
	}
	if len(romData) == 0 {
		return nil, errors.Wrapf(ErrReadInput, "ROM %s is empty", cfg.ROMPath)
	}

	layout := &image.Layout{}
	if cfg.ParseLayout {
		if err := c.addContainerFiles(layout, romData, cfg.ROMPath); err != nil {
			return nil, err
		}
	} else {
		layout.Add(image.Region{
			Base:   0,
			Data:   romData,
			Perm:   image.PermR | image.PermX,
			Origin: filepath.Base(cfg.ROMPath),
		})
	}

	if cfg.RAMPath != "" {
		ramData, err := afero.ReadFile(c.fs, cfg.RAMPath)
		if err != nil {
			return nil, errors.Wrapf(ErrReadInput, "RAM %s: %v", cfg.RAMPath, err)
		}
		if len(ramData) == 0 {
			return nil, errors.Wrapf(ErrReadInput, "RAM %s is empty", cfg.RAMPath)
		}
		layout.Add(image.Region{
			Base:   cfg.RAMBase,
			Data:   ramData,
			Perm:   image.PermR | image.PermW,
			Origin: filepath.Base(cfg.RAMPath),
		})
	}

	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return layout, nil
}

func (c *Converter) addContainerFiles(layout *image.Layout, data []byte, path string) error {
	root, err := rom.Parse(data)
	if err != nil {
		return err
	}
	files := root.Files()
	if len(files) == 0 {
		return errors.Errorf("ROM %s contains no loadable files", path)
	}
	for _, f := range files {
		payload, err := f.Unpack()
		if errors.Is(err, rom.ErrUnsupportedCodec) {
			level.Warn(c.logger).Log("msg", "keeping packed payload", "err", err)
			payload = f.Data
		} else if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		level.Debug(c.logger).Log("msg", "extracted file",
			"id", fmt.Sprintf("%#x", f.ID()),
			"type", f.Type,
			"base", fmt.Sprintf("%#x", f.LoadAddr),
			"size", humanize.IBytes(uint64(len(payload))))
		layout.Add(image.Region{
			Base:   f.LoadAddr,
			Data:   payload,
			Perm:   image.PermR | image.PermW | image.PermX,
			Origin: fmt.Sprintf("%s[file %#x]", filepath.Base(path), f.ID()),
		})
	}
	return nil
}

// Convert runs the whole pipeline and writes the ELF atomically: the
// bytes land in a temp file next to the destination and are renamed
// into place, so a failure never leaves a partial output.
func (c *Converter) Convert(cfg Config) error {
	layout, err := c.Build(cfg)
	if err != nil {
		return err
	}

	b := elf.NewBuilder()
	for _, r := range layout.Regions() {
		b.AddSegment(r)
	}
	blob, err := b.Bytes()
	if err != nil {
		return err
	}

	if err := c.writeAtomic(cfg.OutputPath, blob); err != nil {
		return errors.Wrapf(ErrWriteOutput, "%s: %v", cfg.OutputPath, err)
	}

	level.Info(c.logger).Log("msg", "wrote ELF",
		"path", cfg.OutputPath,
		"segments", layout.Len(),
		"size", humanize.IBytes(uint64(len(blob))))
	level.Debug(c.logger).Log("sha256", debug.CheckSum(blob))
	return nil
}

// List prints the regions the configured inputs would produce, one
// table row per segment, without writing anything.
func (c *Converter) List(cfg Config, w io.Writer) error {
	layout, err := c.Build(cfg)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Base", "End", "Size", "Perm", "Origin"})
	for _, r := range layout.Regions() {
		table.Append([]string{
			fmt.Sprintf("0x%08x", r.Base),
			fmt.Sprintf("0x%08x", r.End()),
			humanize.IBytes(uint64(len(r.Data))),
			r.Perm.String(),
			r.Origin,
		})
	}
	table.Render()
	return nil
}

func (c *Converter) writeAtomic(path string, data []byte) error {
	tmp, err := afero.TempFile(c.fs, filepath.Dir(path), ".rom2elf-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		c.fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		c.fs.Remove(name)
		return err
	}
	if err := c.fs.Rename(name, path); err != nil {
		c.fs.Remove(name)
		return err
	}
	return nil
}
