package vmi

import "testing"

// Non-PAE walk through a small (4 KiB) leaf page.
func TestV2PNoPAESmallPage(t *testing.T) {
	frames := newFakeMapper(4096)
	frames.setU32(0x00101400, 0x00202027)
	frames.setU32(0x00202400, 0x00303025)

	in := &Instance{pageSize: 4096, pageShift: 12, frames: frames}

	paddr, err := in.v2pNoPAE(0x00101000, 0x40100400)
	if err != nil {
		t.Fatalf("v2pNoPAE: %v", err)
	}
	if paddr != 0x00303400 {
		t.Fatalf("paddr = 0x%x, want 0x00303400", paddr)
	}
}

// Non-PAE walk through a 4 MiB large page (PDE PS bit set). The expected
// physical address is 0x80400087 & 0xFFC00000 | 0x00123456 & 0x3FFFFF ==
// 0x80523456; see DESIGN.md for why this differs from an earlier draft of
// this scenario that had the high bits mis-transcribed.
func TestV2PNoPAELargePage(t *testing.T) {
	frames := newFakeMapper(4096)
	frames.setU32(0x00101000, 0x80400087)

	in := &Instance{pageSize: 4096, pageShift: 12, frames: frames}

	paddr, err := in.v2pNoPAE(0x00101000, 0x00123456)
	if err != nil {
		t.Fatalf("v2pNoPAE: %v", err)
	}
	if paddr != 0x80523456 {
		t.Fatalf("paddr = 0x%x, want 0x80523456", paddr)
	}
	// Large-page translation preserves the bottom 22 bits of vaddr.
	if paddr&0x3FFFFF != 0x00123456&0x3FFFFF {
		t.Fatalf("large-page low bits not preserved: 0x%x", paddr&0x3FFFFF)
	}
}

// PAE walk through a small leaf page, three levels deep (PDPT, PD, PT).
func TestV2PPAESmallPage(t *testing.T) {
	frames := newFakeMapper(4096)
	frames.setU64(0x00200018, 0x0000000000300001)
	frames.setU64(0x00300000, 0x0000000000400001)
	frames.setU64(0x00400000, 0x0000000000500001)

	in := &Instance{pageSize: 4096, pageShift: 12, pae: true, frames: frames}

	paddr, err := in.v2pPAE(0x00200000, 0xC0000123)
	if err != nil {
		t.Fatalf("v2pPAE: %v", err)
	}
	if paddr != 0x00500123 {
		t.Fatalf("paddr = 0x%x, want 0x00500123", paddr)
	}
	// Offset preserved on a non-large-page walk.
	if paddr&0xFFF != 0xC0000123&0xFFF {
		t.Fatalf("offset not preserved: 0x%x", paddr&0xFFF)
	}
}

// A not-present pgd entry must fail the walk rather than return a garbage address.
func TestV2PNoPAENotPresent(t *testing.T) {
	frames := newFakeMapper(4096)
	// mfn 1, offset 0 holds the zero entry already (fresh fakeMapper
	// pages are zero-filled), matching cr3=0x1000, pgd slot 0.
	in := &Instance{pageSize: 4096, pageShift: 12, osType: OSWindows, frames: frames}

	paddr, err := in.v2pNoPAE(0x1000, 0x00000000)
	if err != ErrNotMapped {
		t.Fatalf("err = %v, want ErrNotMapped", err)
	}
	if paddr != 0 {
		t.Fatalf("paddr = 0x%x, want 0", paddr)
	}
}

// Every 32-bit entry classifies to exactly one of the six buffalo kinds.
func TestBuffaloTotality(t *testing.T) {
	samples := []uint32{0x00000000, 0x00000022, 0x00000820, 0x00000400, 0x00000001, 0xFFFFFFFF}
	for _, e := range samples {
		for _, isPDE := range []bool{false, true} {
			v := buffalo(e, isPDE)
			switch v.Kind {
			case BuffaloPagefile, BuffaloDemandZero, BuffaloTransition, BuffaloPrototype, BuffaloZero, BuffaloUnknown:
				// exactly one of the six — ok
			default:
				t.Fatalf("buffalo(0x%x, %v) returned unrecognized kind %v", e, isPDE, v.Kind)
			}
		}
	}
}

// buffalo(0, false) lands on demand-zero, not the separate "zero" kind:
// the demand-zero branch tests transition=0 && prototype=0 first, and
// e==0 always satisfies that (pfnum=pfframe=0), so the dedicated zero
// branch below it can never be reached for a literal zero entry. This
// matches the control flow of the diagnostic this classifier is modeled
// on (see DESIGN.md).
func TestBuffaloZeroEntryIsDemandZero(t *testing.T) {
	v := buffalo(0, false)
	if v.Kind != BuffaloDemandZero {
		t.Fatalf("buffalo(0, false).Kind = %v, want BuffaloDemandZero", v.Kind)
	}
}

func TestBuffaloPagefile(t *testing.T) {
	// pfnum = (e>>1)&0xF, pfframe = e&0xFFFFF000; pick both non-zero.
	e := uint32(0x12340002)
	v := buffalo(e, false)
	if v.Kind != BuffaloPagefile {
		t.Fatalf("Kind = %v, want BuffaloPagefile", v.Kind)
	}
	if v.Num != 1 || v.Frame != 0x12340000 {
		t.Fatalf("Num=%d Frame=0x%x, want Num=1 Frame=0x12340000", v.Num, v.Frame)
	}
}

func TestBuffaloTransition(t *testing.T) {
	v := buffalo(entryBitTransition, false)
	if v.Kind != BuffaloTransition {
		t.Fatalf("Kind = %v, want BuffaloTransition", v.Kind)
	}
}

func TestBuffaloPrototype(t *testing.T) {
	v := buffalo(entryBitPrototype, false)
	if v.Kind != BuffaloPrototype {
		t.Fatalf("Kind = %v, want BuffaloPrototype", v.Kind)
	}
	// Prototype only applies when is_pde=false; for a PDE the same bits
	// fall through toward unknown.
	if pde := buffalo(entryBitPrototype, true); pde.Kind == BuffaloPrototype {
		t.Fatalf("is_pde=true should not classify as prototype")
	}
}
