// ABOUTME: Connection supervisor around the control client and pipeline
// ABOUTME: Reconnect loop with exponential backoff and ordered shutdown
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slimwire/slimwire-go/internal/pipeline"
	"github.com/slimwire/slimwire-go/internal/sink"
	"github.com/slimwire/slimwire-go/internal/slimproto"
	"github.com/slimwire/slimwire-go/internal/stream"
)

const (
	backoffInitial = 2 * time.Second
	backoffMax     = 30 * time.Second
)

// Config is the player configuration assembled from the CLI.
type Config struct {
	Server        string // empty = discovery
	Port          int
	PlayerName    string
	MACAddress    string
	UUID          string
	MaxSampleRate int
	DSDEnabled    bool
	Model         string
}

// Supervisor keeps a control session alive: connect, serve, and on
// loss retry with exponential backoff, resetting after a successful
// connect.
type Supervisor struct {
	cfg Config
	out sink.Sink

	// session runs one connected control session; swapped in tests.
	session func(ctx context.Context, server string) error
}

// NewSupervisor creates a supervisor driving the given sink.
func NewSupervisor(cfg Config, out sink.Sink) *Supervisor {
	s := &Supervisor{cfg: cfg, out: out}
	s.session = s.runSession
	return s
}

// Run loops until the context is cancelled. On return the audio worker
// and control client of the last session are already down; the caller
// closes the sink.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := backoffInitial

	for {
		server := s.cfg.Server
		if server == "" {
			ip, err := slimproto.Discover()
			if err != nil {
				log.Warn().Str("comp", "app").Err(err).Msg("discovery failed")
				if !sleepCtx(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
			server = ip.String()
		}

		err := s.session(ctx, server)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Warn().Str("comp", "app").Err(err).Msg("session failed")
		} else {
			// The session served traffic; restart the backoff ladder
			backoff = backoffInitial
			log.Warn().Str("comp", "app").Msg("connection lost")
		}

		log.Info().Str("comp", "app").
			Dur("retry_in", backoff).
			Msg("reconnecting")
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// runSession drives one control connection until it drops or the
// context ends.
func (s *Supervisor) runSession(ctx context.Context, server string) error {
	client := slimproto.NewClient(slimproto.Config{
		PlayerName:    s.cfg.PlayerName,
		MACAddress:    s.cfg.MACAddress,
		UUID:          s.cfg.UUID,
		MaxSampleRate: s.cfg.MaxSampleRate,
		DSDEnabled:    s.cfg.DSDEnabled,
		Model:         s.cfg.Model,
	})

	httpClient := stream.NewClient()
	manager := pipeline.NewManager(httpClient, client, s.out)
	client.SetStreamCallback(manager.HandleStream)
	client.SetVolumeCallback(manager.HandleVolume)

	if err := client.Connect(server, s.cfg.Port); err != nil {
		return fmt.Errorf("control connect: %w", err)
	}

	done := make(chan struct{})
	go func() {
		client.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Shutdown order: audio worker first, then the control client
		manager.Stop()
		client.Disconnect()
		<-done
		return ctx.Err()
	}

	manager.Stop()
	client.Disconnect()
	return nil
}

// nextBackoff doubles up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

// sleepCtx sleeps interruptibly. Reports false when the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
