//go:build linux

// Package livexen implements vmi.FrameMapper, vmi.HypervisorContext, and
// vmi.MemoryOps against a running Xen domain by dlopening libxenctrl and
// libxenforeignmemory with purego — no cgo, the same dynamic-binding
// pattern used elsewhere in this codebase for other hypervisor
// interfaces. Function names are the ones original_source/libvmi/memory.c
// calls into.
package livexen

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error

	xenctrlLib uintptr
	xenfmLib   uintptr
	libcLib    uintptr
)

var (
	xcInterfaceOpen        func(logger, dombuild_logger uintptr, openFlags uint32) int32
	xcInterfaceClose       func(xch int32) int32
	xcMemoryOp             func(xch int32, cmd uint32, arg uintptr) int32
	xcVCPUGetContext       func(xch int32, domid uint32, vcpu uint32, ctxt uintptr) int32

	xcForeignMemoryOpen      func() uintptr
	xcForeignMemoryClose     func(fmem uintptr) int32
	xcMapForeignRange        func(fmem uintptr, domid uint32, size int, prot int, mfn uint64) uintptr
	xcMapForeignPages        func(fmem uintptr, domid uint32, prot int, mfns uintptr, numPages int) uintptr
	xcMapForeignBatch        func(fmem uintptr, domid uint32, prot int, mfns uintptr, numPages int) uintptr

	munmapFn func(addr uintptr, length uintptr) int32
)

// Load dlopens libxenctrl/libxenforeignmemory/libc and binds the symbols
// this package needs. It is safe to call repeatedly; only the first call
// does work. When a native library is not installed it returns an error
// wrapping the dlopen failure; NewMapper adds vmi.ErrUnsupported to it.
func Load() error {
	loadOnce.Do(func() {
		var err error

		xenctrlLib, err = purego.Dlopen("libxenctrl.so", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("livexen: dlopen libxenctrl.so: %w", err)
			return
		}

		xenfmLib, err = purego.Dlopen("libxenforeignmemory.so", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("livexen: dlopen libxenforeignmemory.so: %w", err)
			return
		}

		libcLib, err = purego.Dlopen("libc.so.6", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("livexen: dlopen libc.so.6: %w", err)
			return
		}

		purego.RegisterLibFunc(&xcInterfaceOpen, xenctrlLib, "xc_interface_open")
		purego.RegisterLibFunc(&xcInterfaceClose, xenctrlLib, "xc_interface_close")
		purego.RegisterLibFunc(&xcMemoryOp, xenctrlLib, "xc_memory_op")
		purego.RegisterLibFunc(&xcVCPUGetContext, xenctrlLib, "xc_vcpu_getcontext")

		purego.RegisterLibFunc(&xcForeignMemoryOpen, xenfmLib, "xc_foreign_memory_open")
		purego.RegisterLibFunc(&xcForeignMemoryClose, xenfmLib, "xc_foreign_memory_close")
		purego.RegisterLibFunc(&xcMapForeignRange, xenfmLib, "xc_map_foreign_range")
		purego.RegisterLibFunc(&xcMapForeignPages, xenfmLib, "xc_map_foreign_pages")
		purego.RegisterLibFunc(&xcMapForeignBatch, xenfmLib, "xc_map_foreign_batch")

		purego.RegisterLibFunc(&munmapFn, libcLib, "munmap")
	})
	return loadErr
}

// MustLoad panics if Load fails. Used only by callers that have already
// checked native-library availability through some other path.
func MustLoad() {
	if err := Load(); err != nil {
		panic(err)
	}
}
