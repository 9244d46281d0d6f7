// ABOUTME: Opaque real-time audio sink adapter interface
// ABOUTME: Contract the pipeline feeds; backends wrap a local output or an SDK
package sink

import (
	"errors"
	"time"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// ErrUnsupportedFormat is returned by Open when a backend cannot play
// the stream (e.g. DSD on a PCM-only output).
var ErrUnsupportedFormat = errors.New("sink: unsupported format")

// Config carries sink tuning passed through from the CLI. Backends use
// what applies to them and ignore the rest.
type Config struct {
	TargetIndex            int // 1-based
	ThreadMode             int
	CycleTimeUs            uint
	CycleTimeAuto          bool
	CycleMinTimeUs         uint
	InfoCycleUs            uint
	MTU                    uint
	TransferMode           string // auto, varmax, varauto, fixauto, random
	TargetProfileLimitTime uint
}

// StreamFormat describes what Open will play: exactly one of PCM or
// DSD is set. PCM arrives as 32-bit MSB-aligned interleaved words;
// DSD as planar bytes.
type StreamFormat struct {
	PCM *audio.Format
	DSD *audio.DSDFormat
}

// Target is a playable output destination.
type Target struct {
	Index int // 1-based
	Name  string
}

// Sink is the downstream real-time audio consumer. Its methods are
// safe to call from any thread. Open resets backend state, so format
// hints (SetS24PackMode) must be re-applied after each Open.
type Sink interface {
	// Enable claims the output device. Failure here is process-fatal.
	Enable(cfg Config) error

	// Open prepares playback of a stream format.
	Open(format StreamFormat) error

	// SendAudio queues bytes; frames is the per-channel sample count
	// (PCM) or planar byte count per channel (DSD). The sink accepts
	// the whole buffer or returns an error; it never splits a planar
	// chunk.
	SendAudio(data []byte, frames int) error

	// BufferLevel reports fill in [0.0, 1.0].
	BufferLevel() float64

	// BufferBytes reports the buffer capacity and fill in bytes, for
	// telemetry.
	BufferBytes() (size, fill uint32)

	// WaitForSpace blocks until the buffer drains below full or the
	// timeout passes. Reports whether space became available.
	WaitForSpace(timeout time.Duration) bool

	Pause()
	Resume()
	IsPaused() bool
	IsPlaying() bool

	// SetS24PackMode hints 24-bit packing to backends that care.
	// Cleared by Open.
	SetS24PackMode(enabled bool)

	// StopPlayback halts the current track but keeps the downstream
	// session alive. Preferred over Close between tracks.
	StopPlayback()

	// DumpStats logs backend statistics.
	DumpStats()

	// Close ends the downstream session.
	Close() error

	// Disable releases the output device.
	Disable()
}
