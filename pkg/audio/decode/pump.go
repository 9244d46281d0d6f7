// ABOUTME: Shared goroutine-backed decoder core
// ABOUTME: Runs a pull-based codec library against the blocking source buffer
package decode

import (
	"errors"
	"sync"

	"github.com/slimwire/slimwire-go/pkg/audio"
)

// outputCapacity bounds decoded read-ahead (samples). The decode
// goroutine blocks once this much output is pending, which is the
// back-pressure that keeps steady-state memory flat.
const outputCapacity = 64 * 1024

type pumpFunc func(p *pump, src *sourceBuffer, out *sampleBuffer)

// pump adapts a pull-based codec library to the push-fed Decoder
// contract. Feed appends to a blocking source; the library runs on its
// own goroutine and fills a bounded sample buffer drained by
// ReadDecoded.
type pump struct {
	run pumpFunc

	mu          sync.Mutex
	src         *sourceBuffer
	out         *sampleBuffer
	format      audio.Format
	formatReady bool
	err         error
	done        bool
	decoded     uint64
	wg          sync.WaitGroup
}

func newPump(run pumpFunc) *pump {
	p := &pump{run: run}
	p.start()
	return p
}

func (p *pump) start() {
	p.src = newSourceBuffer()
	p.out = newSampleBuffer(outputCapacity)
	p.formatReady = false
	p.err = nil
	p.done = false
	p.decoded = 0

	src, out := p.src, p.out
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p, src, out)
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
	}()
}

func (p *pump) Feed(data []byte) int {
	p.src.Push(data)
	return len(data)
}

func (p *pump) SetEOF() {
	p.src.SetEOF()
}

func (p *pump) ReadDecoded(out []int32, maxFrames int) int {
	p.mu.Lock()
	ready := p.formatReady
	channels := p.format.Channels
	p.mu.Unlock()
	if !ready || channels == 0 {
		return 0
	}

	maxSamples := maxFrames * channels
	if maxSamples > len(out) {
		maxSamples = (len(out) / channels) * channels
	}
	n := p.out.Pop(out[:maxSamples], channels)
	frames := n / channels

	p.mu.Lock()
	p.decoded += uint64(frames)
	p.mu.Unlock()
	return frames
}

func (p *pump) FormatReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.formatReady
}

func (p *pump) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

func (p *pump) IsFinished() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	return done && p.out.Len() == 0
}

func (p *pump) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err != nil
}

func (p *pump) DecodedSamples() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decoded
}

// Flush tears down the decode goroutine and restarts clean. Safe to
// call repeatedly.
func (p *pump) Flush() {
	p.src.Abort()
	p.out.Close()
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start()
}

// setFormat publishes the stream format discovered by the library.
func (p *pump) setFormat(f audio.Format) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.format = f
	p.formatReady = true
}

// fail records a stream-fatal error. An aborted source (Flush) is not
// an error.
func (p *pump) fail(err error) {
	if errors.Is(err, errAborted) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}
