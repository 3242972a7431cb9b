package vmi

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/go-vmi/vmicore/internal/trace"
)

// fpp is "frame pointers per page": the number of machine-address-sized
// pointers that fit in one page for the 4-byte machine addresses this
// 32-bit build targets. Fixed at 1024.
const fpp = 1024

// Offsets of the two shared-info fields the materialization needs, within
// the mapped shared-info page. These are not the full Xen shared_info_t
// layout (not available in this corpus) — only the two fields
// helper_pfn_to_mfn in original_source/libvmi/memory.c actually reads.
const (
	sharedInfoMaxPfnOffset = 1024
	sharedInfoP2MFLLOffset = 1032
)

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// PFNToMFN answers pfn→mfn for the target domain.
func (in *Instance) PFNToMFN(pfn uint64) (uint64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pfnToMFNLocked(pfn)
}

func (in *Instance) pfnToMFNLocked(pfn uint64) (uint64, error) {
	if in.mode == ModeFile || in.hvm {
		return pfn, nil
	}

	if err := in.ensurePFNToMFN(); err != nil {
		return 0, err
	}
	return in.p2m.lookup(pfn)
}

// ensurePFNToMFN materializes the PFN→MFN leaf table at most once per
// Instance. Subsequent calls after a success are no-ops; a failed
// attempt leaves no partial state and may be retried.
func (in *Instance) ensurePFNToMFN() error {
	if in.p2m != nil && in.p2m.materialized() {
		return nil
	}

	rec := trace.NewRecorder()
	defer rec.Record(kindPFNToMFN)

	frames, err := in.requireFrames()
	if err != nil {
		return err
	}

	scope := newScopedMaps(frames)
	defer scope.releaseAll()

	sharedInfo, err := scope.track2(frames.MapPage(hostarch.Read, in.sharedInfoMFN))
	if err != nil {
		return fmt.Errorf("vmi: map shared-info frame: %w", ErrMapFailed)
	}

	nrPFNs, err := in.resolveNrPFNs(sharedInfo)
	if err != nil {
		return err
	}

	fllMFN := binary.LittleEndian.Uint64(sharedInfo.Bytes[sharedInfoP2MFLLOffset : sharedInfoP2MFLLOffset+8])

	frameListList, err := scope.track2(frames.MapPage(hostarch.Read, fllMFN))
	if err != nil {
		return fmt.Errorf("vmi: map pfn-to-mfn frame-list-list: %w", ErrMapFailed)
	}

	// The frame-list batch: one frame per group of fpp leaf frames
	// (original_source/libvmi/memory.c's helper_pfn_to_mfn: xc_map_foreign_batch
	// over live_pfn_to_mfn_frame_list_list, length ceil(nr_pfns/(fpp*fpp))).
	flCount := ceilDiv(nrPFNs, fpp*fpp)
	flMFNs := readMFNArray(frameListList.Bytes, flCount)

	frameList, err := scope.track2(frames.MapPages(hostarch.Read, flMFNs))
	if err != nil {
		return fmt.Errorf("vmi: map pfn-to-mfn frame-list: %w", ErrMapFailed)
	}

	// The leaf table: length ceil(nr_pfns/fpp) frames, addressed by the
	// frame-list's content.
	leafCount := ceilDiv(nrPFNs, fpp)
	leafMFNs := readMFNArray(frameList.Bytes, leafCount)

	leaf, err := frames.MapPages(hostarch.Read, leafMFNs)
	if err != nil {
		return fmt.Errorf("vmi: map pfn-to-mfn leaf table: %w", ErrMapFailed)
	}
	// leaf is intentionally NOT tracked in scope: it outlives this call.
	// It is stored on p2m instead and released by Instance.Close.

	table := make([]uint64, nrPFNs)
	for i := range table {
		off := i * 4
		if off+4 > len(leaf.Bytes) {
			table[i] = InvalidMFN
			continue
		}
		table[i] = uint64(binary.LittleEndian.Uint32(leaf.Bytes[off : off+4]))
	}

	in.p2m = &pfnToMfnTable{table: table, nrPFNs: nrPFNs, leaf: leaf}
	slog.Debug("pfn-to-mfn materialized", "nr_pfns", nrPFNs, "frame_list_frames", flCount, "leaf_frames", leafCount)
	return nil
}

// resolveNrPFNs implements the XENVER_3_1_0 fallback: on the older ABI,
// the shared-info page does not publish a usable max_pfn and nr_pfns is
// instead obtained from the memory-op maximum-gpfn query, plus one
// (original_source/libvmi/memory.c's VMI_XENVER_3_1_0 special case).
func (in *Instance) resolveNrPFNs(sharedInfo *AccessWindow) (uint64, error) {
	if in.legacyABI {
		if in.memOps == nil {
			return 0, fmt.Errorf("vmi: legacy ABI requires memory ops: %w", ErrContext)
		}
		maxGPFN, err := in.memOps.MaximumGPFN()
		if err != nil {
			return 0, fmt.Errorf("vmi: maximum_gpfn: %w", ErrContext)
		}
		return maxGPFN + 1, nil
	}

	return binary.LittleEndian.Uint64(sharedInfo.Bytes[sharedInfoMaxPfnOffset : sharedInfoMaxPfnOffset+8]), nil
}

func readMFNArray(page []byte, n uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		off := i * 4
		if off+4 > len(page) {
			out[i] = InvalidMFN
			continue
		}
		out[i] = uint64(binary.LittleEndian.Uint32(page[off : off+4]))
	}
	return out
}

// track2 is track for the (window, error) return shape MapPage/MapPages
// use, so call sites read as a single expression instead of an
// if-err-then-track dance.
func (s *scopedMaps) track2(w *AccessWindow, err error) (*AccessWindow, error) {
	if err != nil {
		return nil, err
	}
	return s.track(w), nil
}
