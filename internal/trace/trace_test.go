package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var (
	kindA = RegisterKind("a", 0)
	kindB = RegisterKind("b", 0)
)

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		Emit(kindA, 100*time.Millisecond)
		Emit(kindB, 200*time.Millisecond)
	}()

	var seen []string
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags KindFlags, d time.Duration) error {
		seen = append(seen, name)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("seen = %v, want [a b]", seen)
	}
}

func TestTraceDurationRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	Emit(kindA, 1234*time.Nanosecond)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got time.Duration
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags KindFlags, d time.Duration) error {
		got = d
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if got != 1234*time.Nanosecond {
		t.Fatalf("duration = %v, want 1234ns", got)
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	rec := NewRecorder()
	rec.Record(kindA)
	rec.Record(kindB)

	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var count int
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags KindFlags, d time.Duration) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records, got %d", count)
	}
}

func TestStartRecordingRejectsConcurrentSession(t *testing.T) {
	var buf1, buf2 bytes.Buffer

	closer, err := StartRecording(&buf1)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	if _, err := StartRecording(&buf2); err == nil {
		t.Fatalf("expected second StartRecording to fail while a session is active")
	}
}

func TestCloseIsNotReusable(t *testing.T) {
	var buf bytes.Buffer

	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := closer.Close(); err == nil {
		t.Fatalf("expected second Close to fail")
	}

	// A new session can start once the old one is closed.
	closer2, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording after close: %v", err)
	}
	if err := closer2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEmitWithoutActiveSessionIsNoop(t *testing.T) {
	Emit(kindA, time.Second) // must not panic or block
}

func BenchmarkEmit(b *testing.B) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Emit(kindA, 100*time.Millisecond)
	}
}

func BenchmarkEmitTempFile(b *testing.B) {
	dir := b.TempDir()
	f, err := os.Create(filepath.Join(dir, "trace.csv"))
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	closer, err := StartRecording(f)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer closer.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Emit(kindA, 100*time.Millisecond)
	}
}
