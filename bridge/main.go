// Package main implements the bridge process, the equivalent of the content
// script: a dumb relay between the page-side bus and the background service.
// It inspects nothing; envelopes pass through byte for byte. If the
// background side drops, the bridge redials and keeps going, and only the
// requests that were in flight across the drop are lost.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sablewallet/sable/channel"
)

// Version is set at build time
var Version = "dev"

func main() {
	busURL := flag.String("bus-url", "nats://localhost:4222", "Bus server URL")
	credsFile := flag.String("creds", "", "Bus credentials file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", Version).Str("bus", *busURL).Msg("Sable bridge starting")

	cfg := channel.BusConfig{
		URL:             *busURL,
		CredentialsFile: *credsFile,
		ReconnectWait:   2000,
		MaxReconnects:   -1,
	}

	// The page side of the relay: requests arrive on page.out, replies and
	// events leave on page.in.
	page, err := channel.DialBus(cfg, channel.SubjectPageIn, channel.SubjectPageOut)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect page-side bus")
	}
	defer page.Close()

	// The background side is dialed lazily and redialed on drop.
	dial := func() (channel.Transport, error) {
		return channel.DialBus(cfg, channel.SubjectBackgroundIn, channel.SubjectBackgroundOut)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	relay := channel.NewRelay(page, dial)
	if err := relay.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Relay error")
	}

	log.Info().Msg("Bridge shutdown complete")
}
