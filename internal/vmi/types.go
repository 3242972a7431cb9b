package vmi

// Mode selects whether an Instance is backed by a live hypervisor domain or
// a static memory-image file.
type Mode int

const (
	ModeLive Mode = iota
	ModeFile
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeFile:
		return "file"
	default:
		return "unknown"
	}
}

// OSType tags the guest operating system. Only Windows enables the buffalo
// classifier; Linux and Unknown are otherwise treated identically by the
// walker.
type OSType int

const (
	OSUnknown OSType = iota
	OSLinux
	OSWindows
)

func (t OSType) String() string {
	switch t {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// InvalidMFN marks a PFN with no known machine-frame mapping.
const InvalidMFN = ^uint64(0)

// pfnToMfnTable is the lazily materialized PFN→MFN array. Once set it is
// immutable for the remaining lifetime of the owning Instance. leaf holds
// the mapping backing table so Instance.Close can release it; it is nil
// in file mode, where table is never materialized from a mapped window.
type pfnToMfnTable struct {
	table  []uint64
	nrPFNs uint64
	leaf   *AccessWindow
}

func (t *pfnToMfnTable) materialized() bool {
	return t.table != nil
}

func (t *pfnToMfnTable) lookup(pfn uint64) (uint64, error) {
	if pfn >= t.nrPFNs {
		return 0, ErrOutOfRange
	}
	return t.table[pfn], nil
}

// cacheKey identifies a resolved virtual-to-machine translation: the owning
// process and the containing virtual page (vaddr already masked down by the
// caller).
type cacheKey struct {
	pid   int32
	vpage uint64
}
