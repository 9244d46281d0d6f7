// ABOUTME: Per-track ingestion worker
// ABOUTME: HTTP to decoder to cache to sink with prebuffering and flow control
package pipeline

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/internal/sink"
	"github.com/slimwire/slimwire-go/internal/slimproto"
	"github.com/slimwire/slimwire-go/pkg/audio"
	"github.com/slimwire/slimwire-go/pkg/audio/decode"
	"github.com/slimwire/slimwire-go/pkg/audio/dsd"
)

const (
	// httpTimeout keeps the ingest loop responsive to cancellation.
	httpTimeout = 2 * time.Millisecond

	// sinkFullWait bounds the wait for the sink to release space.
	sinkFullWait = 5 * time.Millisecond

	// pausedSleep is the idle period while the sink is paused.
	pausedSleep = 100 * time.Millisecond

	// sinkHighWater is the fill level above which pushes hold off.
	sinkHighWater = 0.95

	// pcmChunkFrames is the largest PCM push per iteration.
	pcmChunkFrames = 1024

	// dsdChunkBytes is the largest planar push per iteration. Must stay
	// below the sink's guaranteed-free room at the high-water mark so a
	// planar chunk is never split.
	dsdChunkBytes = 16 * 1024

	// cacheRoomSamples is the decode-cache level above which HTTP reads
	// pause (back-pressure toward the server).
	cacheRoomSamples = 512 * 1024

	// dsdRoomBytes bounds the DSD reader's internal buffer the same way.
	dsdRoomBytes = 1024 * 1024

	defaultStreamPort = 9000
)

// Source is the per-track HTTP stream the worker drains.
type Source interface {
	Connect(ip net.IP, port uint16, request []byte) error
	Disconnect()
	IsConnected() bool
	Headers() string
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	BytesReceived() uint64
}

// Control is the telemetry surface of the control-protocol client.
type Control interface {
	SendStat(event string, serverTimestamp uint32) error
	SendResp(headers string) error
	UpdateStreamBytes(bytes uint64)
	UpdateElapsed(seconds, milliseconds uint32)
	UpdateBufferState(streamBufSize, streamBufFull, outputBufSize, outputBufFull uint32)
	ResetCounters()
	PeerIP() net.IP
}

// Worker runs one track: connect the stream, decode, prebuffer, then
// feed the sink under flow control while reporting progress.
type Worker struct {
	cmd     slimproto.StrmCommand
	request []byte

	source  Source
	control Control
	out     sink.Sink

	cancel atomic.Bool
	done   atomic.Bool
}

// NewWorker creates a worker for one stream command.
func NewWorker(cmd slimproto.StrmCommand, request []byte, source Source, control Control, out sink.Sink) *Worker {
	return &Worker{
		cmd:     cmd,
		request: request,
		source:  source,
		control: control,
		out:     out,
	}
}

// Cancel asks the worker to stop. Pair with Source.Disconnect to
// unblock a pending read.
func (w *Worker) Cancel() {
	w.cancel.Store(true)
}

// Done reports whether the worker has exited.
func (w *Worker) Done() bool {
	return w.done.Load()
}

// Run executes the track. Meant to be launched on its own goroutine.
func (w *Worker) Run() {
	defer w.done.Store(true)

	ip := w.cmd.ServerAddr()
	if ip == nil {
		ip = w.control.PeerIP()
	}
	port := w.cmd.ServerPort
	if port == 0 {
		port = defaultStreamPort
	}

	if err := w.source.Connect(ip, port, w.request); err != nil {
		log.Error().Str("comp", "pipeline").Err(err).Msg("stream connect failed")
		w.control.SendStat(slimproto.EventNotConnected, 0)
		return
	}
	defer w.source.Disconnect()

	w.control.SendStat(slimproto.EventConnected, 0)
	w.control.SendResp(w.source.Headers())
	w.control.SendStat(slimproto.EventHeaders, 0)
	w.control.ResetCounters()

	if w.cmd.Format == slimproto.FormatDSD {
		w.runDSD()
	} else {
		w.runPCM()
	}
}

// terminal emits the required end-of-track pair exactly once per
// acknowledged start.
func (w *Worker) terminal(ok bool) {
	if ok {
		w.control.SendStat(slimproto.EventDecoderDone, 0)
		w.control.SendStat(slimproto.EventUnderrun, 0)
	} else {
		w.control.SendStat(slimproto.EventNotConnected, 0)
	}
}

func (w *Worker) runPCM() {
	dec, err := decode.New(w.cmd.Format)
	if err != nil {
		log.Error().Str("comp", "pipeline").Err(err).Msg("no decoder for format")
		w.terminal(false)
		return
	}
	defer dec.Flush()

	// Pass the server-declared format through for headerless streams
	if raw, ok := dec.(decode.RawPCMConfigurer); ok {
		rate := slimproto.SampleRateFromCode(w.cmd.PCMSampleRate)
		bits := slimproto.SampleSizeFromCode(w.cmd.PCMSampleSize)
		channels := slimproto.ChannelsFromCode(w.cmd.PCMChannels)
		if rate > 0 && bits > 0 && channels > 0 {
			raw.SetRawPCMFormat(rate, bits, channels, w.cmd.PCMEndian == '0')
		}
	}

	cache := NewCache()
	readBuf := make([]byte, 32*1024)
	frameBuf := make([]int32, pcmChunkFrames*8)
	eof := false

	// Prebuffer: accumulate decoded output until ~500 ms worth is held
	// or the stream ends first
	for !w.cancel.Load() {
		eof = w.ingest(dec, cache, readBuf, frameBuf, eof)
		if dec.HasError() {
			log.Error().Str("comp", "pipeline").Msg("decoder failed during prebuffer")
			w.terminal(false)
			return
		}
		if dec.FormatReady() {
			f := dec.Format()
			target := f.SampleRate * f.Channels / 2 // 500 ms of samples
			if cache.Available() >= target || eof {
				break
			}
		} else if eof && dec.IsFinished() {
			log.Warn().Str("comp", "pipeline").Msg("stream ended before any audio")
			w.terminal(false)
			return
		}
		time.Sleep(time.Millisecond)
	}
	if w.cancel.Load() {
		return
	}

	format := dec.Format()
	log.Info().Str("comp", "pipeline").
		Int("rate", format.SampleRate).
		Int("bits", format.BitDepth).
		Int("channels", format.Channels).
		Msg("track format")

	if err := w.out.Open(sink.StreamFormat{PCM: &format}); err != nil {
		log.Error().Str("comp", "pipeline").Err(err).Msg("sink open failed")
		w.terminal(false)
		return
	}
	// Open resets sink state; hints go after it
	w.out.SetS24PackMode(format.BitDepth == 24)

	w.control.SendStat(slimproto.EventTrackStarted, 0)

	// The sink starts empty: the prebuffer flushes without flow control.
	// Capped at the prebuffer target so an EOF-first short track cannot
	// overrun the sink buffer.
	framesPushed := uint64(0)
	flushFrames := cache.Available() / format.Channels
	if limit := format.SampleRate / 2; flushFrames > limit {
		flushFrames = limit
	}
	framesPushed += w.pushPCM(cache, format.Channels, flushFrames)
	w.control.SendStat(slimproto.EventBufThreshold, 0)

	// Steady state
	for !w.cancel.Load() {
		eof = w.ingest(dec, cache, readBuf, frameBuf, eof)
		if dec.HasError() {
			log.Error().Str("comp", "pipeline").Msg("decoder failed mid-track")
			w.terminal(false)
			return
		}
		w.control.UpdateStreamBytes(w.source.BytesReceived())

		pushed := false
		if cache.Available() >= format.Channels {
			if w.out.IsPaused() {
				time.Sleep(pausedSleep)
			} else if w.out.BufferLevel() <= sinkHighWater {
				framesPushed += w.pushPCM(cache, format.Channels, pcmChunkFrames)
				pushed = true
			} else {
				w.out.WaitForSpace(sinkFullWait)
			}
		}

		// The sink fill is the ground truth of what plays next
		w.updateElapsedPCM(framesPushed, format.SampleRate)
		w.updateBuffers(cache)
		cache.MaybeCompact()

		if eof && cache.Available() < format.Channels && dec.IsFinished() {
			break
		}
		if !pushed && cache.Available() < format.Channels {
			time.Sleep(time.Millisecond)
		}
	}
	if w.cancel.Load() {
		return
	}

	w.updateElapsedPCM(framesPushed, format.SampleRate)
	w.terminal(true)
}

// ingest moves bytes from HTTP into the decoder and decoded frames
// into the cache. Keeps draining decoder output after EOF so the tail
// of an asynchronous decode is never lost.
func (w *Worker) ingest(dec decode.Decoder, cache *Cache, readBuf []byte, frameBuf []int32, eof bool) bool {
	if !eof && cache.Available() < cacheRoomSamples {
		n, err := w.source.ReadWithTimeout(readBuf, httpTimeout)
		if n > 0 {
			dec.Feed(readBuf[:n])
		}
		if err != nil || (n == 0 && !w.source.IsConnected()) {
			dec.SetEOF()
			eof = true
		}
	}

	for {
		channels := 2
		if dec.FormatReady() {
			channels = dec.Format().Channels
		}
		n := dec.ReadDecoded(frameBuf, len(frameBuf)/channels)
		if n == 0 {
			break
		}
		cache.Append(frameBuf[:n*channels])
	}
	return eof
}

// pushPCM forwards up to maxFrames cache frames to the sink as S32_LE
// bytes and returns the frames accepted.
func (w *Worker) pushPCM(cache *Cache, channels, maxFrames int) uint64 {
	if maxFrames <= 0 {
		return 0
	}
	samples := cache.Peek(maxFrames * channels)
	frames := len(samples) / channels
	if frames == 0 {
		return 0
	}
	samples = samples[:frames*channels]

	data := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(s))
	}
	if err := w.out.SendAudio(data, frames); err != nil {
		log.Warn().Str("comp", "pipeline").Err(err).Msg("sink rejected audio")
		return 0
	}
	cache.Advance(len(samples))
	return uint64(frames)
}

func (w *Worker) updateElapsedPCM(framesPushed uint64, rate int) {
	if rate == 0 {
		return
	}
	ms := framesPushed * 1000 / uint64(rate)
	w.control.UpdateElapsed(uint32(ms/1000), uint32(ms))
}

func (w *Worker) updateBuffers(cache *Cache) {
	outSize, outFill := w.out.BufferBytes()
	w.control.UpdateBufferState(
		uint32(cacheRoomSamples*4),
		uint32(cache.Available()*4),
		outSize,
		outFill,
	)
}

func (w *Worker) runDSD() {
	reader := dsd.NewReader()
	readBuf := make([]byte, 32*1024)
	planar := make([]byte, dsdChunkBytes)
	eof := false

	// Prebuffer raw container bytes until the header is parsed and
	// ~500 ms of bitstream is on hand
	for !w.cancel.Load() {
		eof = w.ingestDSD(reader, readBuf, eof)
		if reader.HasError() {
			log.Error().Str("comp", "pipeline").Msg("dsd container error")
			w.terminal(false)
			return
		}
		if reader.FormatReady() {
			f := reader.Format()
			target := f.SampleRate / 8 * f.Channels / 2 // 500 ms of planar bytes
			if target > dsdRoomBytes/2 {
				target = dsdRoomBytes / 2
			}
			if reader.AvailableBytes() >= target || eof {
				break
			}
		} else if eof {
			log.Warn().Str("comp", "pipeline").Msg("stream ended before dsd header")
			w.terminal(false)
			return
		}
		time.Sleep(time.Millisecond)
	}
	if w.cancel.Load() {
		return
	}

	format := reader.Format()
	log.Info().Str("comp", "pipeline").
		Str("rate", audio.RateName(format.SampleRate)).
		Int("channels", format.Channels).
		Str("container", format.Container.String()).
		Msg("dsd track format")

	if err := w.out.Open(sink.StreamFormat{DSD: &format}); err != nil {
		log.Error().Str("comp", "pipeline").Err(err).Msg("sink open failed")
		w.terminal(false)
		return
	}

	w.control.SendStat(slimproto.EventTrackStarted, 0)

	// Prebuffer flush: the sink is empty, no flow control needed
	bytesPushed := uint64(0)
	for !w.cancel.Load() {
		n := reader.ReadPlanar(planar)
		if n == 0 {
			break
		}
		if err := w.out.SendAudio(planar[:n], n/format.Channels); err != nil {
			log.Error().Str("comp", "pipeline").Err(err).Msg("sink rejected dsd prebuffer")
			w.terminal(false)
			return
		}
		bytesPushed += uint64(n)
	}
	w.control.SendStat(slimproto.EventBufThreshold, 0)

	for !w.cancel.Load() {
		eof = w.ingestDSD(reader, readBuf, eof)
		if reader.HasError() {
			w.terminal(false)
			return
		}
		w.control.UpdateStreamBytes(w.source.BytesReceived())

		pushed := false
		if w.out.IsPaused() {
			time.Sleep(pausedSleep)
		} else if w.out.BufferLevel() <= sinkHighWater {
			// A planar chunk must never split across pushes: the sink
			// derives the second-channel offset from the accepted size,
			// and dsdChunkBytes fits the guaranteed-free room at the
			// high-water mark
			n := reader.ReadPlanar(planar)
			if n > 0 {
				if err := w.out.SendAudio(planar[:n], n/format.Channels); err != nil {
					log.Error().Str("comp", "pipeline").Err(err).Msg("sink rejected dsd audio")
					w.terminal(false)
					return
				}
				bytesPushed += uint64(n)
				pushed = true
			}
		} else {
			w.out.WaitForSpace(sinkFullWait)
		}

		w.updateElapsedDSD(bytesPushed, format)
		outSize, outFill := w.out.BufferBytes()
		w.control.UpdateBufferState(dsdRoomBytes, uint32(reader.AvailableBytes()), outSize, outFill)

		if eof && reader.IsFinished() {
			break
		}
		if !pushed {
			time.Sleep(time.Millisecond)
		}
	}
	if w.cancel.Load() {
		return
	}

	w.updateElapsedDSD(bytesPushed, format)
	w.terminal(true)
}

func (w *Worker) ingestDSD(reader *dsd.Reader, readBuf []byte, eof bool) bool {
	if !eof && reader.AvailableBytes() < dsdRoomBytes {
		n, err := w.source.ReadWithTimeout(readBuf, httpTimeout)
		if n > 0 {
			reader.Feed(readBuf[:n])
		}
		if err != nil || (n == 0 && !w.source.IsConnected()) {
			reader.SetEOF()
			eof = true
		}
	}
	return eof
}

func (w *Worker) updateElapsedDSD(bytesPushed uint64, format audio.DSDFormat) {
	if format.SampleRate == 0 || format.Channels == 0 {
		return
	}
	bitsPerChannel := bytesPushed / uint64(format.Channels) * 8
	ms := bitsPerChannel * 1000 / uint64(format.SampleRate)
	w.control.UpdateElapsed(uint32(ms/1000), uint32(ms))
}
