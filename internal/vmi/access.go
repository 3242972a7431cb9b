package vmi

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/go-vmi/vmicore/internal/trace"
)

var (
	kindAccessPA     = trace.RegisterKind("vmi.access_pa", 0)
	kindAccessMA     = trace.RegisterKind("vmi.access_ma", 0)
	kindAccessUserVA = trace.RegisterKind("vmi.access_user_va", 0)
	kindAccessRange  = trace.RegisterKind("vmi.access_user_va_range", 0)
	kindPFNToMFN     = trace.RegisterKind("vmi.pfn_to_mfn", trace.FlagCold)
)

// AccessPA maps a window over the guest physical address phys.
func (in *Instance) AccessPA(prot hostarch.AccessType, phys uint64) (*AccessWindow, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	rec := trace.NewRecorder()
	defer rec.Record(kindAccessPA)

	pfn := phys >> in.pageShift
	offset := uint32(phys & uint64(in.pageSize-1))

	mfn, err := in.pfnToMFNLocked(pfn)
	if err != nil {
		return nil, err
	}

	w, err := in.accessMALocked(prot, mfn<<in.pageShift|uint64(offset))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// AccessMA maps a window over the raw machine address mach, bypassing
// PFN→MFN translation.
func (in *Instance) AccessMA(prot hostarch.AccessType, mach uint64) (*AccessWindow, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	rec := trace.NewRecorder()
	defer rec.Record(kindAccessMA)

	return in.accessMALocked(prot, mach)
}

func (in *Instance) accessMALocked(prot hostarch.AccessType, mach uint64) (*AccessWindow, error) {
	frames, err := in.requireFrames()
	if err != nil {
		return nil, err
	}

	mfn := mach >> in.pageShift
	offset := uint32(mach & uint64(in.pageSize-1))

	w, err := frames.MapPage(prot, mfn)
	if err != nil {
		return nil, fmt.Errorf("vmi: map machine address 0x%x: %w", mach, ErrMapFailed)
	}
	w.Offset = offset
	return w, nil
}

// AccessKernelVA maps a window over a kernel virtual address. It is
// equivalent to AccessUserVA(vaddr, pid=0).
func (in *Instance) AccessKernelVA(prot hostarch.AccessType, vaddr uint64) (*AccessWindow, error) {
	return in.AccessUserVA(prot, vaddr, 0)
}

// AccessUserVA maps a window over a process-scoped virtual address.
func (in *Instance) AccessUserVA(prot hostarch.AccessType, vaddr uint64, pid int32) (*AccessWindow, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	rec := trace.NewRecorder()
	defer rec.Record(kindAccessUserVA)

	if mach, ok := in.cacheLookup(pid, vaddr); ok {
		return in.accessMALocked(prot, mach|(vaddr&uint64(in.pageSize-1)))
	}

	pgd, err := in.resolvePgdLocked(pid)
	if err != nil {
		return nil, err
	}

	paddr, err := in.pagetableLookup(uint32(pgd), uint32(vaddr))
	if err != nil {
		return nil, err
	}
	if paddr == 0 {
		return nil, ErrNotMapped
	}

	mfn, err := in.pfnToMFNLocked(uint64(paddr) >> in.pageShift)
	if err != nil {
		return nil, err
	}
	mach := mfn<<in.pageShift | (uint64(paddr) & uint64(in.pageSize-1))

	in.cacheInsert(pid, vaddr, mach&^uint64(in.pageSize-1))

	return in.accessMALocked(prot, mach)
}

// resolvePgdLocked obtains the page-directory base for pid: the kernel
// cr3 for pid 0, or the external pid→pgd resolver otherwise, consulting
// the pgd cache first.
func (in *Instance) resolvePgdLocked(pid int32) (uint64, error) {
	if pid == 0 {
		pgd, err := in.currentCR3()
		if err != nil {
			return 0, err
		}
		return uint64(pgd), nil
	}

	if pgd, ok := in.pgdCacheLookup(pid); ok {
		return pgd, nil
	}

	if in.resolver == nil {
		return 0, fmt.Errorf("vmi: no os resolver configured: %w", ErrUnsupported)
	}
	pgd, err := in.resolver.PIDToPGD(pid)
	if err != nil {
		return 0, fmt.Errorf("vmi: pid %d to pgd: %w", pid, err)
	}
	in.pgdCacheInsert(pid, pgd)
	return pgd, nil
}

// AccessUserVARange maps a single contiguous window over size/pageSize + 1
// consecutive virtual pages, starting at the page containing vaddr. When
// vaddr's in-page offset plus size runs past the last of those pages, the
// tail of [vaddr, vaddr+size) is not in the window. Not supported in file
// mode.
func (in *Instance) AccessUserVARange(prot hostarch.AccessType, vaddr, size uint64, pid int32) (*AccessWindow, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	rec := trace.NewRecorder()
	defer rec.Record(kindAccessRange)

	if in.mode == ModeFile {
		return nil, ErrUnsupported
	}

	pageMask := uint64(in.pageSize - 1)
	offset := vaddr & pageMask
	start := vaddr &^ pageMask

	// Always one extra spill page, even for an already-aligned request
	// (see DESIGN.md for why the offset-aware ceiling was not adopted).
	numPages := size/uint64(in.pageSize) + 1

	pgd, err := in.resolvePgdLocked(pid)
	if err != nil {
		return nil, err
	}

	mfns := make([]uint64, numPages)
	for i := uint64(0); i < numPages; i++ {
		pageVaddr := start + i*uint64(in.pageSize)

		paddr, err := in.pagetableLookup(uint32(pgd), uint32(pageVaddr))
		if err != nil {
			return nil, err
		}
		if paddr == 0 {
			return nil, ErrNotMapped
		}

		mfn, err := in.pfnToMFNLocked(uint64(paddr) >> in.pageShift)
		if err != nil {
			return nil, err
		}
		mfns[i] = mfn
	}

	frames, err := in.requireFrames()
	if err != nil {
		return nil, err
	}

	w, err := frames.MapPages(prot, mfns)
	if err != nil {
		return nil, fmt.Errorf("vmi: map user va range at 0x%x (%d pages): %w", start, numPages, ErrMapFailed)
	}
	w.Offset = uint32(offset)
	return w, nil
}

// TranslateKV2P resolves a kernel virtual address to a guest physical
// address by walking the current cr3.
func (in *Instance) TranslateKV2P(vaddr uint32) (uint32, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	pgd, err := in.currentCR3()
	if err != nil {
		return 0, err
	}
	return in.pagetableLookup(pgd, vaddr)
}

// PagetableLookup walks pgd for vaddr directly, without consulting or
// populating any cache.
func (in *Instance) PagetableLookup(pgd, vaddr uint32) (uint32, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.pagetableLookup(pgd, vaddr)
}
