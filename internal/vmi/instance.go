package vmi

import (
	"fmt"
	"sync"

	"github.com/go-vmi/vmicore/internal/vmi/lru"
)

// Config configures a new Instance. The four collaborator interfaces are
// nil-able: failures from a nil collaborator are deferred to first use (as
// ErrContext/ErrUnsupported), not to New, so a file-mode Instance never
// needs the live-mode collaborators.
type Config struct {
	Mode   Mode
	OSType OSType

	PAE bool
	HVM bool

	PageSize   uint32
	PageShift  uint32
	PageOffset uint64

	// KPGD is the kernel page-directory base, known after bootstrap.
	// In file mode it is interpreted directly (minus PageOffset) by
	// currentCR3; in live mode it is informational only.
	KPGD uint64

	// SharedInfoMFN is the well-known per-domain shared-info frame used
	// to bootstrap PFN→MFN materialization. Required only for live-mode,
	// non-HVM targets.
	SharedInfoMFN uint64

	// LegacyABI selects the XENVER_3_1_0 nr_pfns fallback (MemoryOps.
	// MaximumGPFN instead of shared-info's arch.max_pfn).
	LegacyABI bool

	Frames   FrameMapper
	Hyper    HypervisorContext
	MemOps   MemoryOps
	Resolver OSResolver

	CacheCapacity int // 0 selects the default (1024)
}

// Instance is a per-target handle. It is single-owner: all exported
// methods acquire mu for their duration, a coarse per-handle lock rather
// than fine-grained locking of individual fields.
type Instance struct {
	mu sync.Mutex

	mode   Mode
	osType OSType

	pae bool
	hvm bool

	pageSize   uint32
	pageShift  uint32
	pageOffset uint64
	kpgd       uint64

	sharedInfoMFN uint64
	legacyABI     bool

	frames   FrameMapper
	hyper    HypervisorContext
	memOps   MemoryOps
	resolver OSResolver

	p2m *pfnToMfnTable

	translationCache *lru.Cache[cacheKey, uint64]
	pgdCache         *lru.Cache[int32, uint64]
}

const defaultCacheCapacity = 1024

// New constructs an Instance from cfg. PageSize/PageShift default to
// 4096/12 when zero, the normal values for a 32-bit x86 guest.
func New(cfg Config) (*Instance, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	pageShift := cfg.PageShift
	if pageShift == 0 {
		pageShift = 12
	}

	capacity := cfg.CacheCapacity
	if capacity == 0 {
		capacity = defaultCacheCapacity
	}

	in := &Instance{
		mode:             cfg.Mode,
		osType:           cfg.OSType,
		pae:              cfg.PAE,
		hvm:              cfg.HVM,
		pageSize:         pageSize,
		pageShift:        pageShift,
		pageOffset:       cfg.PageOffset,
		kpgd:             cfg.KPGD,
		sharedInfoMFN:    cfg.SharedInfoMFN,
		legacyABI:        cfg.LegacyABI,
		frames:           cfg.Frames,
		hyper:            cfg.Hyper,
		memOps:           cfg.MemOps,
		resolver:         cfg.Resolver,
		translationCache: lru.New[cacheKey, uint64](capacity),
		pgdCache:         lru.New[int32, uint64](capacity),
	}
	return in, nil
}

func (in *Instance) requireFrames() (FrameMapper, error) {
	if in.frames == nil {
		return nil, fmt.Errorf("vmi: no frame mapper configured: %w", ErrUnsupported)
	}
	return in.frames, nil
}

// Close releases the long-lived mapping backing the PFN→MFN leaf table, if
// one was ever materialized. It does not close the underlying FrameMapper;
// callers that own that lifecycle (e.g. the caller of livexen.NewMapper or
// memimage.Open) are responsible for closing it separately. Close is safe
// to call on an Instance that never triggered PFN→MFN materialization, and
// safe to call more than once.
func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.p2m == nil || in.p2m.leaf == nil {
		return nil
	}
	err := in.p2m.leaf.Close()
	in.p2m.leaf = nil
	return err
}
