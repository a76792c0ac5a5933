package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"rom2elf/internal/convert"
)

// Exit codes, kept from the original tool's bitmask set.
const (
	exitOK      = 0
	exitUsage   = 1
	exitInput   = 2
	exitConvert = 4
	exitOutput  = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("rom2elf", "Extract a firmware ROM dump, optionally combined with a RAM dump, into an ELF image for disassemblers and debuggers.")
	app.HelpFlag.Short('h')
	app.UsageWriter(os.Stderr)

	var (
		romLayout = app.Flag("rom-layout", "Parse the Seagate ROM container layout instead of treating the input as a flat image at address 0.").Short('r').Bool()
		input     = app.Flag("input", "ROM input file.").Short('i').Required().String()
		output    = app.Flag("output", "ELF output file.").Short('o').String()
		listOnly  = app.Flag("list", "Print the memory regions and exit without writing an output file.").Bool()
		verbose   = app.Flag("verbose", "Enable debug logging.").Short('v').Bool()
		ramBase   = app.Arg("ram-base", "Hexadecimal RAM base address (e.g. 100000).").String()
		ramFile   = app.Arg("ram-file", "RAM dump file loaded at ram-base.").String()
	)
	if _, err := app.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "rom2elf: %v\n", err)
		return exitUsage
	}

	cfg := convert.Config{
		ROMPath:     *input,
		OutputPath:  *output,
		ParseLayout: *romLayout,
	}
	if *ramBase != "" {
		if *ramFile == "" {
			fmt.Fprintln(os.Stderr, "rom2elf: RAM base address given without a RAM dump file")
			return exitUsage
		}
		base, err := parseHexAddr(*ramBase)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rom2elf: invalid RAM base address %q: %v\n", *ramBase, err)
			return exitUsage
		}
		cfg.RAMBase = base
		cfg.RAMPath = *ramFile
	}
	if !*listOnly && cfg.OutputPath == "" {
		fmt.Fprintln(os.Stderr, "rom2elf: no output file specified")
		return exitUsage
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	conv := convert.New(afero.NewOsFs(), logger)

	var err error
	if *listOnly {
		err = conv.List(cfg, os.Stdout)
	} else {
		err = conv.Convert(cfg)
	}
	if err == nil {
		return exitOK
	}

	level.Error(logger).Log("err", err)
	switch {
	case errors.Is(err, convert.ErrReadInput):
		return exitInput
	case errors.Is(err, convert.ErrWriteOutput):
		return exitOutput
	default:
		return exitConvert
	}
}

func parseHexAddr(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
