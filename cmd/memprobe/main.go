// Command memprobe opens a physical memory connector (a raw dump file or
// an in-memory test buffer), walks its page tables, and exposes a handful
// of subcommands for reading, writing, and listing processes in the
// address space it describes.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/memprobe/internal/addr"
	"github.com/tinyrange/memprobe/internal/arch"
	"github.com/tinyrange/memprobe/internal/connector"
	"github.com/tinyrange/memprobe/internal/pagecache"
	"github.com/tinyrange/memprobe/internal/translate"
	"github.com/tinyrange/memprobe/internal/vmem"
	"github.com/tinyrange/memprobe/internal/winproc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "memprobe:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("memprobe", flag.ExitOnError)
	configPath := fs.String("config", "memprobe.yaml", "path to the connector/architecture config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: memprobe [-config path] <ps|dump|read|write> ...")
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	sess, conn, closeFn, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	switch rest[0] {
	case "ps":
		return cmdPS(sess, rest[1:])
	case "dump":
		return cmdDump(conn, rest[1:])
	case "read":
		return cmdRead(sess, rest[1:])
	case "write":
		return cmdWrite(sess, rest[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}
}

func openSession(cfg *Config) (*vmem.Session, connector.PhysicalMemory, func() error, error) {
	var conn connector.PhysicalMemory
	closeFn := func() error { return nil }

	switch cfg.Connector.Kind {
	case "file":
		f, err := connector.OpenFile(cfg.Connector.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		conn = f
		closeFn = f.Close
	case "dummy":
		conn = connector.NewDummy(cfg.Connector.Size)
	default:
		return nil, nil, nil, fmt.Errorf("unknown connector kind %q", cfg.Connector.Kind)
	}

	ident, err := cfg.archIdent()
	if err != nil {
		return nil, nil, nil, err
	}
	tr := translate.New(arch.ByIdent(ident))

	var cache *pagecache.Cache
	if cfg.Cache.Enabled {
		validator, err := cfg.Cache.validator()
		if err != nil {
			return nil, nil, nil, err
		}
		cache = pagecache.New(cfg.Cache.Size, tr.Arch().PageSize, addr.PageReadOnly|addr.PageWriteable, validator)
		slog.Debug("page cache enabled", "slots", cache.SlotCount(), "validator", cfg.Cache.Validator)
	}

	sess := vmem.New(tr, conn, addr.Address(cfg.DTB), cache)
	return sess, conn, closeFn, nil
}

func cmdPS(sess *vmem.Session, args []string) error {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	offsetsPath := fs.String("offsets", "", "path to a persisted offset record")
	listHeadHex := fs.String("list-head", "", "hex address of the active process list head")
	fs.Parse(args)

	if *offsetsPath == "" || *listHeadHex == "" {
		return fmt.Errorf("ps requires -offsets and -list-head (offset resolution from a live kernel is not implemented)")
	}
	f, err := os.Open(*offsetsPath)
	if err != nil {
		return fmt.Errorf("open offsets: %w", err)
	}
	defer f.Close()
	off, err := winproc.ReadOffsetRecord(f)
	if err != nil {
		return err
	}
	listHead, err := parseHexAddr(*listHeadHex)
	if err != nil {
		return err
	}

	procs, err := winproc.WalkProcesses(sess, off, listHead)
	if err != nil {
		return err
	}

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	fmt.Printf("%-8s %-20s %s\n", "PID", "NAME", "DTB")
	fmt.Println(strings.Repeat("-", min(width, 60)))
	for _, p := range procs {
		fmt.Printf("%-8d %-20s %s\n", p.PID, p.Name, p.DTB)
	}
	return nil
}

func cmdDump(conn connector.PhysicalMemory, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	out := fs.String("out", "-", "output file, or - for stdout")
	fs.Parse(args)

	w := os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	size := conn.Metadata().Size
	const chunkSize = 1 << 20
	bar := progressbar.DefaultBytes(int64(size), "dumping")
	buf := make([]byte, chunkSize)
	for off := uint64(0); off < size; off += chunkSize {
		n := chunkSize
		if remaining := size - off; remaining < chunkSize {
			n = int(remaining)
		}
		if err := conn.ReadList([]connector.ReadRequest{{Addr: addr.Address(off), Buf: buf[:n]}}); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		bar.Add(n)
	}
	return nil
}

func cmdRead(sess *vmem.Session, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	addrHex := fs.String("addr", "", "virtual address to read, hex")
	length := fs.Int("len", 16, "number of bytes to read")
	fs.Parse(args)

	va, err := parseHexAddr(*addrHex)
	if err != nil {
		return err
	}
	buf := make([]byte, *length)
	if err := sess.Read(va, buf); err != nil {
		return err
	}
	fmt.Println(hex.Dump(buf))
	return nil
}

func cmdWrite(sess *vmem.Session, args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	addrHex := fs.String("addr", "", "virtual address to write, hex")
	hexData := fs.String("data", "", "hex-encoded bytes to write")
	fs.Parse(args)

	va, err := parseHexAddr(*addrHex)
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(*hexData)
	if err != nil {
		return fmt.Errorf("decode -data: %w", err)
	}
	return sess.Write(va, data)
}

func parseHexAddr(s string) (addr.Address, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	return addr.Address(v), nil
}
