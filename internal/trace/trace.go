// Package trace records low-overhead timing spans for the introspection
// hot paths (the AccessAPI calls and PFN→MFN materialization) as a
// stream of CSV rows. There is no background writer: Emit writes directly
// through a mutex-guarded session, so a span is either durably written or
// the call returns having done nothing — no channel, no shutdown
// handshake, no intermediate buffering beyond the underlying bufio.Writer.
package trace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind identifies a category of recorded span (e.g. "pfn2mfn materialize",
// "translation cache miss").
type Kind uint64

const InvalidKind = Kind(0)

type KindFlags uint32

const (
	// FlagCold marks spans that only occur once per Instance (e.g. the
	// PFN→MFN one-shot materialization).
	FlagCold KindFlags = 1 << iota
)

func (f KindFlags) String() string {
	var flags []string
	if f&FlagCold != 0 {
		flags = append(flags, "cold")
	}
	return strings.Join(flags, ",")
}

type KindInfo struct {
	Name  string
	Flags KindFlags
}

var kinds = make(map[Kind]KindInfo)

// RegisterKind allocates a new span Kind. Not safe to call concurrently;
// intended for package-level var initialization.
func RegisterKind(name string, flags KindFlags) Kind {
	id := Kind(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// session owns one recording sink. Every Emit takes mu for exactly the
// duration of one CSV row write; there is no buffering queue behind it,
// so backpressure from a slow w is felt immediately by the caller instead
// of growing an unbounded channel.
type session struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	cw     *csv.Writer
	closed bool
}

func (s *session) writeRow(info KindInfo, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.cw.Write([]string{
		info.Name,
		strconv.FormatUint(uint64(info.Flags), 10),
		strconv.FormatInt(d.Nanoseconds(), 10),
	})
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("trace: already closed")
	}
	s.closed = true

	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return fmt.Errorf("trace: flush records: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("trace: flush buffer: %w", err)
	}
	return nil
}

// sessionCloser is the io.Closer StartRecording hands back; closing it
// also clears the package-level active session under the same lock that
// guards StartRecording's "already recording" check.
type sessionCloser struct {
	s *session
}

func (c *sessionCloser) Close() error {
	active.mu.Lock()
	if active.s == c.s {
		active.s = nil
	}
	active.mu.Unlock()
	return c.s.close()
}

var active struct {
	mu sync.Mutex
	s  *session
}

// StartRecording begins writing spans to w as they are recorded, until the
// returned Closer is closed. Only one recording may be active at a time.
// Each row is "name,flags,duration_ns" — a plain CSV record rather than a
// fixed-width binary struct, so the stream can be inspected with any CSV
// reader without decoding a separate kind table first.
func StartRecording(w io.Writer) (io.Closer, error) {
	active.mu.Lock()
	defer active.mu.Unlock()

	if active.s != nil {
		return nil, fmt.Errorf("trace: already recording")
	}

	bw := bufio.NewWriterSize(w, 4096)
	s := &session{bw: bw, cw: csv.NewWriter(bw)}
	active.s = s

	return &sessionCloser{s: s}, nil
}

// Emit records a span of the given kind and duration directly. A no-op
// when no recording is active.
func Emit(kind Kind, d time.Duration) {
	active.mu.Lock()
	s := active.s
	active.mu.Unlock()

	if s == nil {
		return
	}
	info, ok := kinds[kind]
	if !ok {
		return
	}
	s.writeRow(info, d)
}

// Recorder is a per-Instance helper for recording consecutive spans. It is
// not thread safe; callers must hold their own lock around any call
// sequence that uses one.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record ends the current span (since the previous Record/NewRecorder
// call) and begins a new one.
func (r *Recorder) Record(kind Kind) {
	d := time.Since(r.last)
	r.last = time.Now()
	Emit(kind, d)
}

// ReadAllRecords replays a recorded CSV stream, invoking fn once per span.
func ReadAllRecords(r io.Reader, fn func(name string, flags KindFlags, d time.Duration) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("trace: read record: %w", err)
		}

		flags, err := strconv.ParseUint(row[1], 10, 32)
		if err != nil {
			return fmt.Errorf("trace: parse flags: %w", err)
		}
		ns, err := strconv.ParseInt(row[2], 10, 64)
		if err != nil {
			return fmt.Errorf("trace: parse duration: %w", err)
		}

		if err := fn(row[0], KindFlags(flags), time.Duration(ns)); err != nil {
			return err
		}
	}
}
