package vmi

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// fakeMapper is an in-package FrameMapper backed by plain byte slices, no
// real mmap, so these tests need no hardware gate.
type fakeMapper struct {
	pageSize uint64
	pages    map[uint64][]byte
}

func newFakeMapper(pageSize uint64) *fakeMapper {
	return &fakeMapper{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

func (m *fakeMapper) page(mfn uint64) []byte {
	p, ok := m.pages[mfn]
	if !ok {
		p = make([]byte, m.pageSize)
		m.pages[mfn] = p
	}
	return p
}

// setU32 writes a little-endian uint32 at the given guest machine address,
// creating the containing frame on demand.
func (m *fakeMapper) setU32(maddr uint64, val uint32) {
	off := maddr & (m.pageSize - 1)
	binary.LittleEndian.PutUint32(m.page(maddr>>12)[off:], val)
}

func (m *fakeMapper) setU64(maddr uint64, val uint64) {
	off := maddr & (m.pageSize - 1)
	binary.LittleEndian.PutUint64(m.page(maddr>>12)[off:], val)
}

func (m *fakeMapper) MapPage(prot hostarch.AccessType, mfn uint64) (*AccessWindow, error) {
	return NewWindow(m.page(mfn), nil), nil
}

func (m *fakeMapper) MapPages(prot hostarch.AccessType, mfns []uint64) (*AccessWindow, error) {
	buf := make([]byte, 0, int(m.pageSize)*len(mfns))
	for _, mfn := range mfns {
		buf = append(buf, m.page(mfn)...)
	}
	return NewWindow(buf, nil), nil
}

func (m *fakeMapper) Unmap(w *AccessWindow) error {
	return w.Close()
}

// countingMapper wraps a fakeMapper and counts live (unreleased) windows,
// so a test can assert a mapping was actually released rather than just
// assuming it from control flow.
type countingMapper struct {
	*fakeMapper
	live int
}

func newCountingMapper(pageSize uint64) *countingMapper {
	return &countingMapper{fakeMapper: newFakeMapper(pageSize)}
}

func (m *countingMapper) MapPage(prot hostarch.AccessType, mfn uint64) (*AccessWindow, error) {
	m.live++
	return NewWindow(m.page(mfn), m.releaseFunc()), nil
}

func (m *countingMapper) MapPages(prot hostarch.AccessType, mfns []uint64) (*AccessWindow, error) {
	buf := make([]byte, 0, int(m.pageSize)*len(mfns))
	for _, mfn := range mfns {
		buf = append(buf, m.page(mfn)...)
	}
	m.live++
	return NewWindow(buf, m.releaseFunc()), nil
}

func (m *countingMapper) releaseFunc() func() error {
	return func() error {
		m.live--
		return nil
	}
}

// fakeHypervisor answers VCPUContext with a fixed ctrlreg[3].
type fakeHypervisor struct {
	cr3 uint64
	err error
}

func (h *fakeHypervisor) VCPUContext(vcpu int) ([8]uint64, error) {
	var ctrlreg [8]uint64
	if h.err != nil {
		return ctrlreg, h.err
	}
	ctrlreg[3] = h.cr3
	return ctrlreg, nil
}

// fakeMemOps answers MaximumGPFN with a fixed value.
type fakeMemOps struct {
	maxGPFN uint64
	err     error
}

func (m *fakeMemOps) MaximumGPFN() (uint64, error) {
	return m.maxGPFN, m.err
}

// fakeResolver answers PIDToPGD from a fixed map.
type fakeResolver struct {
	pgds map[int32]uint64
}

func (r *fakeResolver) PIDToPGD(pid int32) (uint64, error) {
	pgd, ok := r.pgds[pid]
	if !ok {
		return 0, ErrUnsupported
	}
	return pgd, nil
}

func (r *fakeResolver) KernelSymbolAddress(symbol string) (uint64, error) {
	return 0, ErrUnsupported
}
