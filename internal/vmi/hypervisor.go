package vmi

import "gvisor.dev/gvisor/pkg/hostarch"

// AccessWindow is a byte-addressable view of one or more contiguous machine
// frames plus an in-page offset. Close releases the underlying mapping
// exactly once; it is safe to call Close more than once.
type AccessWindow struct {
	Bytes  []byte
	Offset uint32

	release func() error
	once    releaseOnce
}

// Close releases the window's mapping. Idempotent.
func (w *AccessWindow) Close() error {
	return w.once.Do(w.release)
}

// NewWindow constructs an AccessWindow over bytes, calling release (if
// non-nil) exactly once when the window is closed. Reference FrameMapper
// backends (memimage, livexen) use this to build the windows they return.
func NewWindow(bytes []byte, release func() error) *AccessWindow {
	return &AccessWindow{Bytes: bytes, release: release}
}

// releaseOnce mirrors sync.Once for a fallible release function, without
// pulling in a full sync.Once for a single call site.
type releaseOnce struct {
	done bool
}

func (o *releaseOnce) Do(fn func() error) error {
	if o.done {
		return nil
	}
	o.done = true
	if fn == nil {
		return nil
	}
	return fn()
}

// FrameMapper is the externally-provided primitive that turns a machine
// frame number into a byte-addressable window. The core only consumes this
// interface; internal/vmi/memimage and internal/vmi/livexen are reference
// backends, not requirements.
type FrameMapper interface {
	MapPage(prot hostarch.AccessType, mfn uint64) (*AccessWindow, error)
	MapPages(prot hostarch.AccessType, mfns []uint64) (*AccessWindow, error)
	Unmap(w *AccessWindow) error
}

// HypervisorContext answers queries about a live domain's VCPU state. Only
// VCPU 0 is consulted by currentCR3; this is a documented limitation, not
// an oversight.
type HypervisorContext interface {
	VCPUContext(vcpu int) (ctrlreg [8]uint64, err error)
}

// MemoryOps covers the hypervisor memory operations the PFN→MFN
// materialization needs on older ABIs that don't publish max_pfn directly
// in shared-info.
type MemoryOps interface {
	MaximumGPFN() (uint64, error)
}

// OSResolver is the external, OS-specific collaborator the core defers to
// for pid→pgd and kernel-symbol resolution. Neither is implemented by
// this package; both require a guest-OS-specific introspection layer
// that lives outside it.
type OSResolver interface {
	PIDToPGD(pid int32) (uint64, error)
	KernelSymbolAddress(symbol string) (uint64, error)
}
