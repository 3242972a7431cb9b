// Package memimage implements vmi.FrameMapper over a static memory-image
// file: the file-mode reference backend. It mmaps the whole image once
// and hands out slices of it, the same PROT_READ|PROT_WRITE, MAP_SHARED
// call shape used elsewhere in this codebase to back guest RAM.
package memimage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/go-vmi/vmicore/internal/vmi"
)

// Mapper maps machine frame numbers directly onto offsets within a memory
// image file. mfn indexes the image at mfn*pageSize; there is no separate
// PFN→MFN indirection in file mode (vmi.Instance already short-circuits
// PFNToMFN to the identity for ModeFile).
type Mapper struct {
	f        *os.File
	data     []byte
	pageSize uint64
}

// Open mmaps path read-write/shared and returns a Mapper over it.
func Open(path string, pageSize uint64) (*Mapper, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("memimage: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memimage: stat %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("memimage: mmap %s: %w", path, err)
	}

	return &Mapper{f: f, data: data, pageSize: pageSize}, nil
}

// Close unmaps the image and closes the backing file.
func (m *Mapper) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("memimage: munmap: %w", err)
	}
	return m.f.Close()
}

func (m *Mapper) frameRange(mfn uint64) (int, int, error) {
	start := mfn * m.pageSize
	end := start + m.pageSize
	if end > uint64(len(m.data)) {
		return 0, 0, fmt.Errorf("memimage: frame %d out of range: %w", mfn, vmi.ErrOutOfRange)
	}
	return int(start), int(end), nil
}

// MapPage implements vmi.FrameMapper.
func (m *Mapper) MapPage(prot hostarch.AccessType, mfn uint64) (*vmi.AccessWindow, error) {
	start, end, err := m.frameRange(mfn)
	if err != nil {
		return nil, err
	}
	return vmi.NewWindow(m.data[start:end:end], nil), nil
}

// MapPages implements vmi.FrameMapper. The image backend presents pages
// contiguously only when the requested MFNs are themselves contiguous,
// and rejects a list that is not (a static image has no indirection to
// reorder them), matching vmi_mmap_mfn's caller contract in the original
// source.
func (m *Mapper) MapPages(prot hostarch.AccessType, mfns []uint64) (*vmi.AccessWindow, error) {
	if len(mfns) == 0 {
		return nil, fmt.Errorf("memimage: MapPages: empty mfn list")
	}

	start, _, err := m.frameRange(mfns[0])
	if err != nil {
		return nil, err
	}

	for i, mfn := range mfns {
		if mfn != mfns[0]+uint64(i) {
			return nil, fmt.Errorf("memimage: MapPages: mfn list not contiguous at index %d", i)
		}
	}

	_, end, err := m.frameRange(mfns[len(mfns)-1])
	if err != nil {
		return nil, err
	}

	return vmi.NewWindow(m.data[start:end:end], nil), nil
}

// Unmap implements vmi.FrameMapper. The image mapping is long-lived; a
// per-window unmap is a no-op beyond the window's own release hook, which
// NewWindow already wired to nil for this backend.
func (m *Mapper) Unmap(w *vmi.AccessWindow) error {
	return w.Close()
}
