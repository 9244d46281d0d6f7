// ABOUTME: Reference local sink backed by the oto audio library
// ABOUTME: Ring-buffered float32 playback with fill-level flow control
package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// otoBufferSize is the playback ring capacity in bytes (float32
// samples). Roughly four seconds of 48 kHz stereo.
const otoBufferSize = 1536 * 1024

// highWater is the fill level WaitForSpace unblocks below.
const highWater = 0.95

// Oto is a local-output Sink for development and desktop use. It
// plays PCM through the platform audio stack; DSD needs a pass-through
// capable backend and is rejected.
type Oto struct {
	mu  sync.Mutex
	cfg Config

	otoCtx     *oto.Context
	player     *oto.Player
	ring       *byteRing
	sampleRate int
	channels   int

	s24Pack bool
	enabled bool
	paused  bool

	sent uint64
}

// NewOto creates the reference sink.
func NewOto() *Oto {
	return &Oto{}
}

// ListTargets enumerates playable outputs. The platform mixer exposes
// a single default device.
func ListTargets() []Target {
	return []Target{{Index: 1, Name: "default output"}}
}

func (o *Oto) Enable(cfg Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.enabled = true
	log.Info().Str("comp", "sink").
		Int("target", cfg.TargetIndex).
		Int("thread_mode", cfg.ThreadMode).
		Uint("cycle_us", cfg.CycleTimeUs).
		Uint("mtu", cfg.MTU).
		Str("transfer_mode", cfg.TransferMode).
		Msg("sink enabled")
	return nil
}

func (o *Oto) Open(format StreamFormat) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.enabled {
		return fmt.Errorf("sink: not enabled")
	}
	if format.DSD != nil {
		log.Error().Str("comp", "sink").
			Str("rate", audio.RateName(format.DSD.SampleRate)).
			Msg("local output cannot pass DSD through")
		return ErrUnsupportedFormat
	}
	if format.PCM == nil {
		return ErrUnsupportedFormat
	}

	rate := format.PCM.SampleRate
	channels := format.PCM.Channels

	// Open resets per-stream state, format hints included
	o.s24Pack = false
	o.paused = false
	o.sent = 0

	if o.otoCtx != nil {
		// oto allows one context per process; a format change keeps the
		// existing context and logs the mismatch
		if o.sampleRate != rate || o.channels != channels {
			log.Warn().Str("comp", "sink").
				Int("rate", rate).
				Int("channels", channels).
				Msg("format change on a live context; keeping existing output rate")
		}
		o.ring.Reset()
		o.player.Play()
		return nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return fmt.Errorf("oto context: %w", err)
	}
	<-ready

	o.otoCtx = ctx
	o.sampleRate = rate
	o.channels = channels
	o.ring = newByteRing(otoBufferSize)
	o.player = ctx.NewPlayer(o.ring)
	o.player.Play()

	log.Info().Str("comp", "sink").
		Int("rate", rate).
		Int("channels", channels).
		Msg("output opened")
	return nil
}

// SendAudio converts S32_LE MSB-aligned words to float32 and queues
// them. Blocks only when the pipeline overruns the flow-control
// window.
func (o *Oto) SendAudio(data []byte, frames int) error {
	o.mu.Lock()
	ring := o.ring
	o.mu.Unlock()
	if ring == nil {
		return fmt.Errorf("sink: not open")
	}

	out := make([]byte, len(data))
	for i := 0; i+4 <= len(data); i += 4 {
		s := int32(binary.LittleEndian.Uint32(data[i:]))
		f := float32(float64(s) / 2147483648.0)
		binary.LittleEndian.PutUint32(out[i:], math.Float32bits(f))
	}

	if err := ring.Write(out); err != nil {
		return err
	}

	o.mu.Lock()
	o.sent += uint64(frames)
	o.mu.Unlock()
	return nil
}

func (o *Oto) BufferLevel() float64 {
	o.mu.Lock()
	ring := o.ring
	o.mu.Unlock()
	if ring == nil {
		return 0
	}
	return float64(ring.Len()) / float64(otoBufferSize)
}

func (o *Oto) BufferBytes() (uint32, uint32) {
	o.mu.Lock()
	ring := o.ring
	o.mu.Unlock()
	if ring == nil {
		return otoBufferSize, 0
	}
	return otoBufferSize, uint32(ring.Len())
}

func (o *Oto) WaitForSpace(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if o.BufferLevel() < highWater {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (o *Oto) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		o.player.Pause()
	}
	o.paused = true
}

func (o *Oto) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		o.player.Play()
	}
	o.paused = false
}

func (o *Oto) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Oto) IsPlaying() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.player != nil && o.player.IsPlaying()
}

func (o *Oto) SetS24PackMode(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.s24Pack = enabled
}

func (o *Oto) StopPlayback() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player != nil {
		o.player.Pause()
	}
	if o.ring != nil {
		o.ring.Reset()
	}
	o.paused = false
}

func (o *Oto) DumpStats() {
	o.mu.Lock()
	defer o.mu.Unlock()
	fill := 0
	if o.ring != nil {
		fill = o.ring.Len()
	}
	log.Info().Str("comp", "sink").
		Uint64("frames_sent", o.sent).
		Int("buffer_fill", fill).
		Bool("paused", o.paused).
		Msg("sink stats")
}

func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ring != nil {
		o.ring.Close()
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	return nil
}

func (o *Oto) Disable() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = false
	log.Info().Str("comp", "sink").Msg("sink disabled")
}

var _ Sink = (*Oto)(nil)

// byteRing is a bounded FIFO between SendAudio and the oto player
// goroutine. Read blocks until data arrives so the player never sees a
// spurious EOF.
type byteRing struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	off    int
	max    int
	closed bool
}

func newByteRing(max int) *byteRing {
	r := &byteRing{max: max}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *byteRing) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf)-r.off+len(p) > r.max && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return io.ErrClosedPipe
	}
	r.buf = append(r.buf, p...)
	r.cond.Broadcast()
	return nil
}

func (r *byteRing) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf)-r.off == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.closed && len(r.buf)-r.off == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.buf[r.off:])
	r.off += n
	if r.off > r.max/2 {
		r.buf = append(r.buf[:0], r.buf[r.off:]...)
		r.off = 0
	}
	r.cond.Broadcast()
	return n, nil
}

func (r *byteRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.off
}

func (r *byteRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.off = 0
	r.cond.Broadcast()
}

func (r *byteRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}
