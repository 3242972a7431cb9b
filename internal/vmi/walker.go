package vmi

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// readMachine32 and readMachine64 resolve a machine address to its
// containing frame via FrameMapper, read one entry, and release the
// mapping immediately. This mapping is never aliased with a caller's
// window; it exists only for the duration of the single read, mirroring
// the single-shot bus-read idiom used elsewhere for page-table walks.
func (in *Instance) readMachine32(maddr uint64) (uint32, error) {
	frames, err := in.requireFrames()
	if err != nil {
		return 0, err
	}

	mfn := maddr >> in.pageShift
	off := maddr & uint64(in.pageSize-1)

	w, err := frames.MapPage(hostarch.Read, mfn)
	if err != nil {
		return 0, fmt.Errorf("vmi: read entry at 0x%x: %w", maddr, ErrMapFailed)
	}
	defer w.Close()

	if int(off)+4 > len(w.Bytes) {
		return 0, fmt.Errorf("vmi: entry read at 0x%x crosses window bound", maddr)
	}
	return binary.LittleEndian.Uint32(w.Bytes[off : off+4]), nil
}

func (in *Instance) readMachine64(maddr uint64) (uint64, error) {
	frames, err := in.requireFrames()
	if err != nil {
		return 0, err
	}

	mfn := maddr >> in.pageShift
	off := maddr & uint64(in.pageSize-1)

	w, err := frames.MapPage(hostarch.Read, mfn)
	if err != nil {
		return 0, fmt.Errorf("vmi: read entry at 0x%x: %w", maddr, ErrMapFailed)
	}
	defer w.Close()

	if int(off)+8 > len(w.Bytes) {
		return 0, fmt.Errorf("vmi: entry read at 0x%x crosses window bound", maddr)
	}
	return binary.LittleEndian.Uint64(w.Bytes[off : off+8]), nil
}

func (in *Instance) logBuffalo(v BuffaloVerdict, isPDE bool) {
	if in.osType != OSWindows {
		return
	}
	slog.Debug("buffalo diagnostic", "kind", v.Kind, "is_pde", isPDE, "num", v.Num, "frame", v.Frame)
}

// v2pNoPAE implements the non-PAE (2-level, 4-byte PTE) page walk.
// pgdBase and vaddr are guest values; the result is a guest physical
// address, or 0 with ErrNotMapped when the walk bottoms out on a
// not-present entry.
func (in *Instance) v2pNoPAE(pgdBase, vaddr uint32) (uint32, error) {
	pgdEntryAddr := uint64(pgdBase&0xFFFFF000) + uint64((vaddr>>22)&0x3FF)*4

	pgd, err := in.readMachine32(pgdEntryAddr)
	if err != nil {
		return 0, err
	}

	if !entryPresent(uint64(pgd)) {
		in.logBuffalo(buffalo(pgd, false), false)
		return 0, ErrNotMapped
	}

	if entryPageSize(uint64(pgd)) {
		return (pgd & 0xFFC00000) | (vaddr & 0x3FFFFF), nil
	}

	pteEntryAddr := uint64(pgd&0xFFFFF000) + uint64((vaddr>>12)&0x3FF)*4
	pte, err := in.readMachine32(pteEntryAddr)
	if err != nil {
		return 0, err
	}

	if !entryPresent(uint64(pte)) {
		in.logBuffalo(buffalo(pte, true), true)
		return 0, ErrNotMapped
	}

	return (pte & 0xFFFFF000) | (vaddr & 0xFFF), nil
}

// v2pPAE implements the PAE (3-level, 8-byte PTE) page walk. Unlike the
// non-PAE walk, it runs no buffalo diagnostics on a not-present entry —
// that classifier only has defined semantics for 4-byte, non-PAE entries.
func (in *Instance) v2pPAE(pdptBase, vaddr uint32) (uint32, error) {
	pdpiEntryAddr := uint64(pdptBase&0xFFFFFFE0) + uint64((vaddr>>30)&0x3)*8

	pdpe, err := in.readMachine64(pdpiEntryAddr)
	if err != nil {
		return 0, err
	}
	if !entryPresent(pdpe) {
		return 0, ErrNotMapped
	}

	pgdEntryAddr := (pdpe & 0xFFFFFF000) + uint64((vaddr>>21)&0x1FF)*8
	pgd, err := in.readMachine64(pgdEntryAddr)
	if err != nil {
		return 0, err
	}
	if !entryPresent(pgd) {
		return 0, ErrNotMapped
	}

	if entryPageSize(pgd) {
		paddr := (pgd & 0xFFE00000) | uint64(vaddr&0x1FFFFF)
		return uint32(paddr), nil
	}

	pteEntryAddr := (pgd & 0xFFFFFF000) + uint64((vaddr>>12)&0x1FF)*8
	pte, err := in.readMachine64(pteEntryAddr)
	if err != nil {
		return 0, err
	}
	if !entryPresent(pte) {
		return 0, ErrNotMapped
	}

	paddr := (pte & 0xFFFFFF000) | uint64(vaddr&0xFFF)
	return uint32(paddr), nil
}

// pagetableLookup dispatches to the PAE or non-PAE walker per Instance
// configuration. It is the implementation behind the exported
// PagetableLookup and TranslateKV2P operations.
func (in *Instance) pagetableLookup(pgd, vaddr uint32) (uint32, error) {
	if in.pae {
		return in.v2pPAE(pgd, vaddr)
	}
	return in.v2pNoPAE(pgd, vaddr)
}
