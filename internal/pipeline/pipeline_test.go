// ABOUTME: Tests for the ingestion pipeline worker and manager
// ABOUTME: Event ordering, bit-perfect delivery, flow control, cancellation
package pipeline

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/slimwire/slimwire-go/internal/sink"
	"github.com/slimwire/slimwire-go/internal/slimproto"
)

// fakeSource serves a canned body in timed-read chunks.
type fakeSource struct {
	mu        sync.Mutex
	body      []byte
	off       int
	headers   string
	connected bool
	connects  int
	stall     bool // after the body, stay connected and deliver nothing
}

func newFakeSource(body []byte, headers string) *fakeSource {
	return &fakeSource{body: body, headers: headers}
}

func (s *fakeSource) Connect(ip net.IP, port uint16, request []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.connects++
	s.off = 0
	return nil
}

func (s *fakeSource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *fakeSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && (s.stall || s.off < len(s.body))
}

func (s *fakeSource) Headers() string { return s.headers }

func (s *fakeSource) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, nil
	}
	if s.off >= len(s.body) {
		if !s.stall {
			s.connected = false
		}
		return 0, nil
	}
	n := copy(buf, s.body[s.off:])
	if n > 4096 {
		n = 4096
	}
	s.off += n
	return n, nil
}

func (s *fakeSource) BytesReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.off)
}

// fakeControl records the event sequence.
type fakeControl struct {
	mu     sync.Mutex
	events []string
	resps  []string
	resets int
}

func (c *fakeControl) SendStat(event string, serverTimestamp uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeControl) SendResp(headers string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "RESP")
	c.resps = append(c.resps, headers)
	return nil
}

func (c *fakeControl) UpdateStreamBytes(uint64)            {}
func (c *fakeControl) UpdateElapsed(uint32, uint32)        {}
func (c *fakeControl) UpdateBufferState(_, _, _, _ uint32) {}
func (c *fakeControl) ResetCounters()                      { c.mu.Lock(); c.resets++; c.mu.Unlock() }
func (c *fakeControl) PeerIP() net.IP                      { return net.IPv4(127, 0, 0, 1) }

func (c *fakeControl) sequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// fakeSink captures pushed audio.
type fakeSink struct {
	mu      sync.Mutex
	opened  []sink.StreamFormat
	data    []byte
	frames  int
	paused  bool
	level   float64
	s24     []bool
	stopped int
}

func (s *fakeSink) Enable(cfg sink.Config) error { return nil }

func (s *fakeSink) Open(format sink.StreamFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, format)
	return nil
}

func (s *fakeSink) SendAudio(data []byte, frames int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, data...)
	s.frames += frames
	return nil
}

func (s *fakeSink) BufferLevel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *fakeSink) BufferBytes() (uint32, uint32)           { return 1 << 20, 0 }
func (s *fakeSink) WaitForSpace(timeout time.Duration) bool { time.Sleep(timeout); return false }
func (s *fakeSink) Pause()                                  { s.mu.Lock(); s.paused = true; s.mu.Unlock() }
func (s *fakeSink) Resume()                                 { s.mu.Lock(); s.paused = false; s.mu.Unlock() }
func (s *fakeSink) IsPaused() bool                          { s.mu.Lock(); defer s.mu.Unlock(); return s.paused }
func (s *fakeSink) IsPlaying() bool                         { return true }
func (s *fakeSink) SetS24PackMode(v bool)                   { s.mu.Lock(); s.s24 = append(s.s24, v); s.mu.Unlock() }
func (s *fakeSink) StopPlayback()                           { s.mu.Lock(); s.stopped++; s.mu.Unlock() }
func (s *fakeSink) DumpStats()                              {}
func (s *fakeSink) Close() error                            { return nil }
func (s *fakeSink) Disable()                                {}

func (s *fakeSink) audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// buildTestWAV produces a small 16-bit stereo WAV body.
func buildTestWAV(samples []int16) []byte {
	body := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(body[i*2:], uint16(s))
	}

	var fmtChunk []byte
	fmtChunk = binary.LittleEndian.AppendUint16(fmtChunk, 1)
	fmtChunk = binary.LittleEndian.AppendUint16(fmtChunk, 2)
	fmtChunk = binary.LittleEndian.AppendUint32(fmtChunk, 44100)
	fmtChunk = binary.LittleEndian.AppendUint32(fmtChunk, 44100*4)
	fmtChunk = binary.LittleEndian.AppendUint16(fmtChunk, 4)
	fmtChunk = binary.LittleEndian.AppendUint16(fmtChunk, 16)

	var out []byte
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(4+8+len(fmtChunk)+8+len(body)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(fmtChunk)))
	out = append(out, fmtChunk...)
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

func strmStart(format byte) slimproto.StrmCommand {
	return slimproto.StrmCommand{
		Command:       slimproto.StrmStart,
		Format:        format,
		PCMSampleSize: '?',
		PCMSampleRate: '?',
		PCMChannels:   '?',
		PCMEndian:     '?',
		ServerPort:    9000,
	}
}

func waitWorkerDone(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !w.Done() {
		if time.Now().After(deadline) {
			t.Fatal("worker never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerEventOrdering(t *testing.T) {
	samples := make([]int16, 2000)
	for i := range samples {
		samples[i] = int16(i)
	}
	source := newFakeSource(buildTestWAV(samples), "HTTP/1.0 200 OK\r\n\r\n")
	control := &fakeControl{}
	out := &fakeSink{}

	w := NewWorker(strmStart('p'), []byte("GET / HTTP/1.0\r\n\r\n"), source, control, out)
	go w.Run()
	waitWorkerDone(t, w)

	want := []string{
		slimproto.EventConnected,
		"RESP",
		slimproto.EventHeaders,
		slimproto.EventTrackStarted,
		slimproto.EventBufThreshold,
		slimproto.EventDecoderDone,
		slimproto.EventUnderrun,
	}
	got := control.sequence()
	if len(got) != len(want) {
		t.Fatalf("event sequence: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	control.mu.Lock()
	defer control.mu.Unlock()
	if control.resets != 1 {
		t.Errorf("counters reset %d times, want 1", control.resets)
	}
	if len(control.resps) != 1 || control.resps[0] != "HTTP/1.0 200 OK\r\n\r\n" {
		t.Errorf("RESP headers: %v", control.resps)
	}
}

// Every 16-bit input sample must arrive at the sink as the identical
// MSB-aligned 32-bit word.
func TestWorkerBitPerfectDelivery(t *testing.T) {
	samples := []int16{100, -100, 32767, -32768, 12345, -12345}
	source := newFakeSource(buildTestWAV(samples), "HTTP/1.0 200 OK\r\n\r\n")
	control := &fakeControl{}
	out := &fakeSink{}

	w := NewWorker(strmStart('p'), nil, source, control, out)
	go w.Run()
	waitWorkerDone(t, w)

	audio := out.audio()
	if len(audio) != len(samples)*4 {
		t.Fatalf("expected %d bytes at sink, got %d", len(samples)*4, len(audio))
	}
	for i, s := range samples {
		got := int32(binary.LittleEndian.Uint32(audio[i*4:]))
		want := int32(s) << 16
		if got != want {
			t.Errorf("sample %d: got 0x%08X, want 0x%08X", i, uint32(got), uint32(want))
		}
	}

	// 16-bit source: no 24-bit pack hint
	if len(out.s24) != 1 || out.s24[0] {
		t.Errorf("s24 hints: %v", out.s24)
	}
}

func TestWorkerSinkOpenFailure(t *testing.T) {
	source := newFakeSource(buildTestWAV(make([]int16, 100)), "HTTP/1.0 200 OK\r\n\r\n")
	control := &fakeControl{}
	out := &failingSink{}

	w := NewWorker(strmStart('p'), nil, source, control, out)
	go w.Run()
	waitWorkerDone(t, w)

	got := control.sequence()
	if got[len(got)-1] != slimproto.EventNotConnected {
		t.Fatalf("expected STMn terminal, got %v", got)
	}
}

type failingSink struct{ fakeSink }

func (s *failingSink) Open(sink.StreamFormat) error { return sink.ErrUnsupportedFormat }

func TestWorkerCancelStopsQuickly(t *testing.T) {
	// A source that sends a bare "RIFF" prefix and then stays open and
	// silent, so the header never completes and only the cancel ends it
	source := newFakeSource(nil, "HTTP/1.0 200 OK\r\n\r\n")
	source.body = make([]byte, 4)
	copy(source.body, "RIFF")
	source.stall = true
	control := &fakeControl{}
	out := &fakeSink{}

	w := NewWorker(strmStart('p'), nil, source, control, out)
	go w.Run()

	time.Sleep(30 * time.Millisecond)
	w.Cancel()
	source.Disconnect()

	deadline := time.Now().Add(time.Second)
	for !w.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !w.Done() {
		t.Fatal("cancelled worker did not exit promptly")
	}
}

func TestManagerDispatch(t *testing.T) {
	samples := make([]int16, 5000)
	source := newFakeSource(buildTestWAV(samples), "HTTP/1.0 200 OK\r\n\r\n")
	control := &fakeControl{}
	out := &fakeSink{}

	m := NewManager(source, control, out)

	m.HandleStream(strmStart('p'), []byte("GET / HTTP/1.0\r\n\r\n"))
	time.Sleep(50 * time.Millisecond)

	m.HandleStream(slimproto.StrmCommand{Command: slimproto.StrmPause}, nil)
	if !out.IsPaused() {
		t.Error("pause did not reach the sink")
	}
	m.HandleStream(slimproto.StrmCommand{Command: slimproto.StrmUnpause}, nil)
	if out.IsPaused() {
		t.Error("unpause did not reach the sink")
	}

	m.HandleStream(slimproto.StrmCommand{Command: slimproto.StrmStop}, nil)
	if m.worker != nil {
		t.Error("stop left a worker behind")
	}

	seq := control.sequence()
	var sawPause, sawResume, sawFlush bool
	for _, e := range seq {
		switch e {
		case slimproto.EventPaused:
			sawPause = true
		case slimproto.EventResumed:
			sawResume = true
		case slimproto.EventFlushed:
			sawFlush = true
		}
	}
	if !sawPause || !sawResume || !sawFlush {
		t.Errorf("missing state-change events in %v", seq)
	}

	out.mu.Lock()
	stopped := out.stopped
	out.mu.Unlock()
	if stopped == 0 {
		t.Error("stop did not halt sink playback")
	}
}

func TestManagerRestartsWorkerPerTrack(t *testing.T) {
	samples := make([]int16, 500)
	source := newFakeSource(buildTestWAV(samples), "HTTP/1.0 200 OK\r\n\r\n")
	control := &fakeControl{}
	out := &fakeSink{}

	m := NewManager(source, control, out)
	m.HandleStream(strmStart('p'), nil)
	time.Sleep(50 * time.Millisecond)
	m.HandleStream(strmStart('p'), nil)
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	source.mu.Lock()
	connects := source.connects
	source.mu.Unlock()
	if connects != 2 {
		t.Errorf("expected 2 stream connects, got %d", connects)
	}
}
