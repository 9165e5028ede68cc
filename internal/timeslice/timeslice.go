// Package timeslice records how long each VCpu spends in the phases of its
// dispatch loop. Records go to a single process-wide stream that is read
// back with ReadAllRecords or Summarize.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

// streamAlign is the alignment of the first record.
const streamAlign = 4096

var (
	ErrAlreadyRecording = errors.New("timeslice: already recording")
	ErrNotRecording     = errors.New("timeslice: not recording")
	ErrBadStream        = errors.New("timeslice: bad stream")
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a phase. Kinds are registered at package init time by
// the code that records them.
type Kind uint32

const InvalidKind = Kind(0)

type KindInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks phases that run guest instructions.
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[Kind]KindInfo)
)

var KindInit = RegisterKind("init", SliceFlagInitTime)

// RegisterKind adds a phase to the registry. Kinds registered after a
// stream was started are not named in it.
func RegisterKind(name string, flags SliceFlags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := Kind(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

// Kinds returns a copy of the registry.
func Kinds() map[Kind]KindInfo {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	out := make(map[Kind]KindInfo, len(kinds))
	for k, v := range kinds {
		out[k] = v
	}
	return out
}

type record struct {
	Kind     uint32
	CPU      uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	// mu keeps Record from sending on the channel Close closes.
	mu                  sync.RWMutex
	closed              bool
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [streamAlign]byte
	off := 0

	for r := range w.writerChan {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.writeThreadComplete <- err
				// Keep draining so Record never blocks on a dead stream.
				for range w.writerChan {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], r.Kind)
		binary.LittleEndian.PutUint32(buf[off+4:], r.CPU)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}
	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// Only the caller that swaps the writer out closes the channel.
	if !currentWriter.CompareAndSwap(w, nil) {
		return ErrNotRecording
	}
	w.mu.Lock()
	w.closed = true
	close(w.writerChan)
	w.mu.Unlock()
	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Recording reports whether a stream is open.
func Recording() bool { return currentWriter.Load() != nil }

// Recorder measures consecutive phases of one VCpu. It is not safe for
// concurrent use.
type Recorder struct {
	cpu  uint32
	last time.Time
}

func NewRecorder(cpu int) *Recorder {
	return &Recorder{cpu: uint32(cpu), last: time.Now()}
}

// Record attributes the time since the previous call to kind.
func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	Record(kind, int(r.cpu), now.Sub(r.last))
	r.last = now
}

// Skip restarts the clock without recording, e.g. after a wait that
// belongs to no phase.
func (r *Recorder) Skip() { r.last = time.Now() }

// Record writes one record to the open stream. It is a no-op when nothing
// is recording.
func Record(kind Kind, cpu int, duration time.Duration) {
	w := currentWriter.Load()
	if w == nil {
		return
	}
	w.mu.RLock()
	if !w.closed {
		w.writerChan <- record{Kind: uint32(kind), CPU: uint32(cpu), Duration: duration.Nanoseconds()}
	}
	w.mu.RUnlock()
}

// StartRecording writes the stream header to w and routes every Record
// call to it until the returned Closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, ErrAlreadyRecording
	}

	names, err := json.Marshal(Kinds())
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if off := binary.Size(header{}) + len(names); off%streamAlign != 0 {
		if _, err := w.Write(make([]byte, streamAlign-off%streamAlign)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:                   w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, ErrAlreadyRecording
	}
	go wr.run()
	return wr, nil
}

// Sample is one decoded record.
type Sample struct {
	Kind     string
	Flags    SliceFlags
	CPU      int
	Duration time.Duration
}

// ReadAllRecords decodes a stream written by StartRecording, calling fn for
// every record in order.
func ReadAllRecords(r io.Reader, fn func(s Sample) error) error {
	buf := bufio.NewReaderSize(r, streamAlign)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("%w: magic %#x", ErrBadStream, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrBadStream, h.Version, Version)
	}

	var names map[Kind]KindInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength)))
	if err := dec.Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if off := int(h.KindsLength) + binary.Size(h); off%streamAlign != 0 {
		if _, err := buf.Discard(streamAlign - off%streamAlign); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := names[Kind(rec.Kind)]
		if !ok {
			return fmt.Errorf("%w: unknown kind %d", ErrBadStream, rec.Kind)
		}
		if err := fn(Sample{
			Kind:     info.Name,
			Flags:    info.Flags,
			CPU:      int(rec.CPU),
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// Total aggregates the samples of one kind, optionally of one CPU.
type Total struct {
	Kind  string
	Flags SliceFlags
	CPU   int
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (t *Total) add(d time.Duration) {
	t.Count++
	t.Sum += d
	if t.Count == 1 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
}

// Avg is the mean duration.
func (t *Total) Avg() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / time.Duration(t.Count)
}

func (t *Total) String() string {
	return fmt.Sprintf("% 24s cpu=% 3d flags=% 10s count=% 8d sum=% 14s min=% 12s max=% 12s avg=% 12s",
		t.Kind, t.CPU, t.Flags, t.Count, t.Sum, t.Min, t.Max, t.Avg())
}

// Summarize totals a stream by kind, and by CPU as well when perCPU is
// set. CPU is -1 in totals that cover every CPU. Totals are ordered by
// kind name, then CPU.
func Summarize(r io.Reader, perCPU bool) ([]*Total, error) {
	type key struct {
		kind string
		cpu  int
	}
	totals := make(map[key]*Total)
	err := ReadAllRecords(r, func(s Sample) error {
		k := key{s.Kind, -1}
		if perCPU {
			k.cpu = s.CPU
		}
		t, ok := totals[k]
		if !ok {
			t = &Total{Kind: s.Kind, Flags: s.Flags, CPU: k.cpu}
			totals[k] = t
		}
		t.add(s.Duration)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Total, 0, len(totals))
	for _, t := range totals {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].CPU < out[j].CPU
	})
	return out, nil
}
