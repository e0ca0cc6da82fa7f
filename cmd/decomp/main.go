package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/decomp/internal/arch"
	"github.com/tinyrange/decomp/internal/frontend/x86"
	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/printer"
	"github.com/tinyrange/decomp/internal/space"
)

func main() {
	imagePath := flag.String("image", "", "raw image file to analyze")
	base := flag.Uint64("base", 0x400000, "load address of the image")
	entry := flag.Uint64("entry", 0, "entry offset of the function (defaults to base)")
	descPath := flag.String("arch", "", "architecture descriptor YAML (builtin x86:64 when empty)")
	dump := flag.String("dump", "c", "output form: pcode, blocks, or c")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: decomp -image <file> [-base addr] [-entry addr]")
		os.Exit(1)
	}
	if err := run(*imagePath, *base, *entry, *descPath, *dump); err != nil {
		slog.Error("analysis failed", "err", err)
		os.Exit(1)
	}
}

func run(imagePath string, base, entry uint64, descPath, dump string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	var descriptor []byte
	if descPath != "" {
		if descriptor, err = os.ReadFile(descPath); err != nil {
			return fmt.Errorf("read descriptor: %w", err)
		}
	}

	img := &loader.MemoryImage{}
	a, err := arch.New(descriptor, img, slog.Default())
	if err != nil {
		return err
	}
	img.AddSection(space.Address{Space: a.Spaces.DefaultCode(), Offset: base}, data, true)
	img.AddSection(space.Address{Space: a.Spaces.DefaultData(), Offset: base}, data, true)

	tr, err := x86.New(a.Spaces, img)
	if err != nil {
		return err
	}
	a.Deps.Spacebase = tr.SpacebaseRegisters()

	if entry == 0 {
		entry = base
	}
	entryAddr := space.Address{Space: a.Spaces.DefaultCode(), Offset: entry}
	fd, root, err := a.AnalyzeFunction(fmt.Sprintf("FUN_%08x", entry), entryAddr, tr)
	if err != nil {
		return err
	}

	switch dump {
	case "pcode":
		fd.Obank().AscendAlive(func(op *pcode.PcodeOp) bool {
			fmt.Println(op.String())
			return true
		})
	case "blocks":
		for _, bl := range fd.Graph().Blocks() {
			fmt.Printf("%s in=%d out=%d ops=%d\n", bl, bl.SizeIn(), bl.SizeOut(), bl.NumOps())
		}
	default:
		p := printer.NewCPrinter(fd)
		fmt.Print(p.Print(root))
	}
	for _, w := range fd.Warnings.Warnings() {
		slog.Warn(w.Text, "addr", w.Addr.String())
	}
	return nil
}
