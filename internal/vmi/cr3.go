package vmi

import "fmt"

// currentCR3 resolves the kernel page-directory base for VCPU 0. Only VCPU
// 0 is ever consulted — an explicit, documented limitation, not an
// oversight.
func (in *Instance) currentCR3() (uint32, error) {
	if in.mode == ModeFile {
		return uint32(in.kpgd - in.pageOffset), nil
	}

	if in.hyper == nil {
		return 0, fmt.Errorf("vmi: no hypervisor context configured: %w", ErrContext)
	}

	ctrlreg, err := in.hyper.VCPUContext(0)
	if err != nil {
		return 0, fmt.Errorf("vmi: vcpu0 context: %w", ErrContext)
	}

	return uint32(ctrlreg[3]) & 0xFFFFF000, nil
}
