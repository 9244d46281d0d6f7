// ABOUTME: Entry point for the slimwire network audio player
// ABOUTME: Parses CLI flags, sets up logging and runs the supervisor
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/slimwire/slimwire-go/internal/app"
	"github.com/slimwire/slimwire-go/internal/sink"
	"github.com/slimwire/slimwire-go/internal/version"
)

var (
	server      = flag.StringP("server", "s", "", "server address (default: discovery)")
	port        = flag.IntP("port", "p", 3483, "control port")
	name        = flag.StringP("name", "n", version.Product, "player name")
	mac         = flag.StringP("mac", "m", "", "MAC override (default: derived from name)")
	target      = flag.IntP("target", "t", 1, "sink target index (1-based)")
	listTargets = flag.BoolP("list-targets", "l", false, "list sink targets and exit")

	threadMode      = flag.Int("thread-mode", 1, "sink thread mode")
	cycleTime       = flag.Uint("cycle-time", 0, "sink cycle time in microseconds (0 = auto)")
	cycleMinTime    = flag.Uint("cycle-min-time", 0, "minimum cycle time for random transfer mode")
	infoCycle       = flag.Uint("info-cycle", 100000, "info packet cycle in microseconds")
	mtu             = flag.Uint("mtu", 0, "MTU override in bytes (0 = auto)")
	transferMode    = flag.String("transfer-mode", "auto", "transfer mode: auto|varmax|varauto|fixauto|random")
	targetProfileUs = flag.Uint("target-profile-limit-time", 200, "target profile limit time in microseconds")

	maxRate = flag.Int("max-rate", 768000, "advertised MaxSampleRate in Hz")
	noDSD   = flag.Bool("no-dsd", false, "omit DSD codecs from the capability string")

	verbose     = flag.BoolP("verbose", "v", false, "debug output")
	quiet       = flag.BoolP("quiet", "q", false, "errors and warnings only")
	showVersion = flag.BoolP("version", "V", false, "show version and exit")
)

func main() {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else if *quiet {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *showVersion {
		fmt.Printf("%s %s\n", version.Product, version.Version)
		return
	}

	if *listTargets {
		for _, tgt := range sink.ListTargets() {
			fmt.Printf("  #%d  %s\n", tgt.Index, tgt.Name)
		}
		return
	}

	if *target < 1 {
		fmt.Fprintln(os.Stderr, "invalid target index, must be >= 1")
		os.Exit(1)
	}

	out := sink.NewOto()
	err := out.Enable(sink.Config{
		TargetIndex:            *target,
		ThreadMode:             *threadMode,
		CycleTimeUs:            *cycleTime,
		CycleTimeAuto:          *cycleTime == 0,
		CycleMinTimeUs:         *cycleMinTime,
		InfoCycleUs:            *infoCycle,
		MTU:                    *mtu,
		TransferMode:           *transferMode,
		TargetProfileLimitTime: *targetProfileUs,
	})
	if err != nil {
		// The one process-fatal error: no output, no player
		log.Error().Err(err).Msg("sink enable failed")
		os.Exit(1)
	}

	log.Info().
		Str("player", *name).
		Str("server", *server).
		Int("max_rate", *maxRate).
		Bool("dsd", !*noDSD).
		Msgf("%s %s starting", version.Product, version.Version)

	supervisor := app.NewSupervisor(app.Config{
		Server:        *server,
		Port:          *port,
		PlayerName:    *name,
		MACAddress:    *mac,
		MaxSampleRate: *maxRate,
		DSDEnabled:    !*noDSD,
		Model:         version.Product,
	}, out)

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	stats := make(chan os.Signal, 1)
	signal.Notify(stats, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-sigs:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
				cancel()
				return
			case <-stats:
				out.DumpStats()
			}
		}
	}()

	supervisor.Run(ctx)

	// Sink goes down last: the supervisor already stopped the worker
	// and the control client
	out.Close()
	out.Disable()
	log.Info().Msg("player stopped")
}
