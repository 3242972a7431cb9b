package vmi

import "errors"

// Sentinel errors returned by Instance methods. Callers should compare with
// errors.Is; wrapped context is added with fmt.Errorf("vmi: ...: %w", err)
// at each call site rather than by minting new error values.
var (
	ErrMapFailed   = errors.New("vmi: frame mapping failed")
	ErrContext     = errors.New("vmi: hypervisor context query failed")
	ErrNotMapped   = errors.New("vmi: page not present")
	ErrOutOfRange  = errors.New("vmi: pfn out of range")
	ErrUnsupported = errors.New("vmi: operation unsupported in this mode")
)
