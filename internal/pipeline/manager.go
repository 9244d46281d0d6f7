// ABOUTME: Track worker lifecycle and stream command dispatch
// ABOUTME: One worker per track, torn down with a bounded wait before the next
package pipeline

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/internal/sink"
	"github.com/slimwire/slimwire-go/internal/slimproto"
)

// workerStopTimeout bounds the wait for a previous worker before a new
// track starts. Past it the worker is detached with a warning.
const workerStopTimeout = 500 * time.Millisecond

// Manager owns the current track worker and maps stream commands onto
// it. It runs on the control client's receive goroutine.
type Manager struct {
	source  Source
	control Control
	out     sink.Sink

	worker *Worker
}

// NewManager wires the shared collaborators.
func NewManager(source Source, control Control, out sink.Sink) *Manager {
	return &Manager{
		source:  source,
		control: control,
		out:     out,
	}
}

// HandleStream is the control client's stream callback.
func (m *Manager) HandleStream(cmd slimproto.StrmCommand, httpRequest []byte) {
	switch cmd.Command {
	case slimproto.StrmStart:
		m.startTrack(cmd, httpRequest)
	case slimproto.StrmStop:
		m.stopWorker()
		m.out.StopPlayback()
		m.control.SendStat(slimproto.EventFlushed, 0)
	case slimproto.StrmPause:
		m.out.Pause()
		m.control.SendStat(slimproto.EventPaused, 0)
		if cmd.ReplayGain > 0 {
			// Timed pause: the server wants playback back after the
			// interval without a separate unpause
			go m.resumeAfter(time.Duration(cmd.ReplayGain) * time.Millisecond)
		}
	case slimproto.StrmUnpause:
		m.out.Resume()
		m.control.SendStat(slimproto.EventResumed, 0)
	case slimproto.StrmFlush:
		m.stopWorker()
		m.out.StopPlayback()
		m.control.SendStat(slimproto.EventFlushed, 0)
	case slimproto.StrmSkip:
		// Interval skip-ahead is only meaningful for synchronised
		// groups; a solo player ignores it
		log.Debug().Str("comp", "pipeline").
			Uint32("interval_ms", cmd.ReplayGain).
			Msg("skip ignored")
	}
}

// HandleVolume is the control client's audg callback. The pipeline is
// bit-perfect, so gain is dropped after logging.
func (m *Manager) HandleVolume(gainLeft, gainRight uint32) {
	log.Debug().Str("comp", "pipeline").
		Uint32("gain_l", gainLeft).
		Uint32("gain_r", gainRight).
		Msg("gain command dropped (bit-perfect)")
}

func (m *Manager) startTrack(cmd slimproto.StrmCommand, httpRequest []byte) {
	m.stopWorker()

	m.worker = NewWorker(cmd, httpRequest, m.source, m.control, m.out)
	go m.worker.Run()
}

// stopWorker cancels the current worker, unblocks its socket read and
// waits up to the stop timeout for it to acknowledge.
func (m *Manager) stopWorker() {
	if m.worker == nil {
		return
	}

	m.worker.Cancel()
	m.source.Disconnect()

	deadline := time.Now().Add(workerStopTimeout)
	for !m.worker.Done() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !m.worker.Done() {
		log.Warn().Str("comp", "pipeline").Msg("worker did not stop in time; detaching")
	}
	m.worker = nil
}

// Stop tears down playback on shutdown or connection loss.
func (m *Manager) Stop() {
	m.stopWorker()
	m.out.StopPlayback()
}

func (m *Manager) resumeAfter(d time.Duration) {
	time.Sleep(d)
	m.out.Resume()
	m.control.SendStat(slimproto.EventResumed, 0)
}
