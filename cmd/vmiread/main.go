// Command vmiread opens a file-mode introspection target (a memory-image
// file), resolves a guest virtual address, and dumps the resulting
// window's bytes.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/go-vmi/vmicore/internal/vmi"
	"github.com/go-vmi/vmicore/internal/vmi/memimage"
)

const usage = `vmiread - dump guest memory through the introspection core

USAGE:
  vmiread -file IMAGE -kpgd ADDR -offset ADDR [-pae] [-pid PID] ADDR LEN

FLAGS:
  -file PATH    memory-image file (file mode only; live mode is not wired
                into this CLI without a running Xen domain id)
  -kpgd ADDR    kernel page-directory base (hex, e.g. 0x1a2b000)
  -offset ADDR  file-mode page offset (hex)
  -pae          use the PAE (3-level) walker instead of non-PAE
  -pid PID      resolve ADDR against this process's address space
                (0, the default, means the kernel view; no pid-to-pgd
                resolver is configured, so any other pid fails)

ARGS:
  ADDR  hex guest virtual address to read
  LEN   number of bytes to read (decimal)

EXAMPLES:
  vmiread -file guest.img -kpgd 0x1a2b000 -offset 0x0 0x40100400 16
`

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func run() error {
	file := flag.String("file", "", "memory-image file (file mode)")
	kpgd := flag.String("kpgd", "0x0", "kernel page-directory base (hex)")
	offset := flag.String("offset", "0x0", "file-mode page offset (hex)")
	pae := flag.Bool("pae", false, "use the PAE walker")
	pid := flag.Int("pid", 0, "resolve against this pid's address space")

	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 2 || *file == "" {
		flag.Usage()
		os.Exit(1)
	}

	vaddr, err := parseHex(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	length, err := strconv.Atoi(flag.Arg(1))
	if err != nil {
		return fmt.Errorf("parse length: %w", err)
	}

	kpgdVal, err := parseHex(*kpgd)
	if err != nil {
		return fmt.Errorf("parse -kpgd: %w", err)
	}
	offsetVal, err := parseHex(*offset)
	if err != nil {
		return fmt.Errorf("parse -offset: %w", err)
	}

	mapper, err := memimage.Open(*file, 4096)
	if err != nil {
		slog.Error("open memory image", "file", *file, "error", err)
		return err
	}
	defer mapper.Close()

	instance, err := vmi.New(vmi.Config{
		Mode:       vmi.ModeFile,
		PAE:        *pae,
		KPGD:       kpgdVal,
		PageOffset: offsetVal,
		Frames:     mapper,
	})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	w, err := instance.AccessUserVA(hostarch.Read, vaddr, int32(*pid))
	if err != nil {
		slog.Error("access user va", "vaddr", vaddr, "pid", *pid, "error", err)
		return err
	}
	defer w.Close()

	end := int(w.Offset) + length
	if end > len(w.Bytes) {
		end = len(w.Bytes)
	}
	fmt.Println(hex.Dump(w.Bytes[w.Offset:end]))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vmiread:", err)
		os.Exit(1)
	}
}
