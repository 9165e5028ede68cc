package timeslice

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	kindA = RegisterKind("a", 0)
	kindB = RegisterKind("b", SliceFlagGuestTime)
)

func recordStream(t testing.TB, fn func()) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	fn()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestTimeslice(t *testing.T) {
	data := recordStream(t, func() {
		Record(kindA, 0, 100*time.Millisecond)
		Record(kindB, 1, 200*time.Millisecond)
	})

	var seen []Sample
	if err := ReadAllRecords(bytes.NewReader(data), func(s Sample) error {
		seen = append(seen, s)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	want := []Sample{
		{Kind: "a", CPU: 0, Duration: 100 * time.Millisecond},
		{Kind: "b", Flags: SliceFlagGuestTime, CPU: 1, Duration: 200 * time.Millisecond},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestStartRecordingTwice(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := StartRecording(&buf); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second StartRecording = %v", err)
	}
	if !Recording() {
		t.Fatal("not recording")
	}
}

func TestCloseTwice(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Close = %v", err)
	}
	// Recording without a stream is dropped.
	Record(kindA, 0, time.Second)
}

func TestSummarizePerCPU(t *testing.T) {
	data := recordStream(t, func() {
		var wg sync.WaitGroup
		for cpu := 0; cpu < 4; cpu++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 1; i <= 100; i++ {
					Record(kindA, cpu, time.Duration(i))
				}
			}()
		}
		wg.Wait()
		Record(kindB, 0, time.Millisecond)
	})

	all, err := Summarize(bytes.NewReader(data), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Kind != "a" || all[0].CPU != -1 {
		t.Fatalf("totals %v", all)
	}
	a := all[0]
	if a.Count != 400 || a.Sum != 4*5050 || a.Min != 1 || a.Max != 100 || a.Avg() != 50 {
		t.Fatalf("total of a: %s", a)
	}

	per, err := Summarize(bytes.NewReader(data), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(per) != 5 {
		t.Fatalf("%d per-cpu totals, want 5", len(per))
	}
	for cpu, tot := range per[:4] {
		if tot.CPU != cpu || tot.Count != 100 {
			t.Errorf("cpu %d total %s", cpu, tot)
		}
	}
}

func TestReadRejectsBadStream(t *testing.T) {
	data := recordStream(t, func() { Record(kindA, 0, 1) })
	data[0] ^= 0xff
	err := ReadAllRecords(bytes.NewReader(data), func(Sample) error { return nil })
	if !errors.Is(err, ErrBadStream) {
		t.Fatalf("ReadAllRecords = %v", err)
	}
}

func BenchmarkTimeslice(b *testing.B) {
	var count uint64
	data := recordStream(b, func() {
		b.ResetTimer()
		for b.Loop() {
			Record(kindA, 0, 100*time.Millisecond)
			Record(kindB, 0, 200*time.Millisecond)
			atomic.AddUint64(&count, 2)
		}
		b.StopTimer()
	})
	b.ReportMetric(float64(count), "records")

	var seen uint64
	if err := ReadAllRecords(bytes.NewReader(data), func(Sample) error {
		seen++
		return nil
	}); err != nil {
		b.Fatalf("ReadAllRecords: %v", err)
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}

func BenchmarkTimesliceTempFile(b *testing.B) {
	tmpfile := filepath.Join(b.TempDir(), "timeslice.log")

	var count uint64
	func() {
		f, err := os.Create(tmpfile)
		if err != nil {
			b.Fatalf("Create: %v", err)
		}
		defer f.Close()

		w, err := StartRecording(f)
		if err != nil {
			b.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		b.ResetTimer()
		rec := NewRecorder(0)
		for b.Loop() {
			rec.Record(kindA)
			rec.Record(kindB)
			count += 2
		}
	}()
	b.StopTimer()
	b.ReportMetric(float64(count), "records")

	r, err := os.Open(tmpfile)
	if err != nil {
		b.Fatalf("Open: %v", err)
	}
	defer r.Close()

	totals, err := Summarize(r, false)
	if err != nil {
		b.Fatalf("Summarize: %v", err)
	}
	var seen uint64
	for _, tot := range totals {
		seen += uint64(tot.Count)
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}
