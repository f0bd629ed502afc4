package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pdrop/config"
	"pdrop/discovery"
	"pdrop/discovery/ble"
	"pdrop/discovery/mdns"
	"pdrop/identity"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	self, err := identity.Load(cfg.DeviceID, cfg.DeviceName, cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load device identity")
	}

	fmt.Printf("Device ID:    %s\n", self.DeviceID)
	fmt.Printf("Device Name:  %s\n", self.DeviceName)
	fmt.Printf("Fingerprint:  %s\n", identity.FormatFingerprint(self.Fingerprint()))
	fmt.Printf("Config File:  %s\n", cfgPath)

	orch := discovery.NewOrchestrator(discovery.Config{
		ScanTTL:             time.Duration(cfg.ScanTTLSeconds) * time.Second,
		BackendStartTimeout: time.Duration(cfg.BackendStartTimeoutMS) * time.Millisecond,
		BackendStopTimeout:  time.Duration(cfg.BackendStopTimeoutMS) * time.Millisecond,
		DisableDedupe:       !cfg.DedupeWindow,
		Logger:              &logger,
	})

	if cfg.EnableMDNS {
		backend, err := mdns.New(mdns.Config{
			Identity:      self,
			ListeningPort: cfg.ListeningPort,
			Logger:        &logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("mdns backend unavailable")
		} else if err := orch.Register(backend, discovery.Capabilities{}); err != nil {
			logger.Error().Err(err).Msg("register mdns backend")
		}
	}
	if cfg.EnableBLE {
		backend, err := ble.New(ble.Config{
			Identity: self,
			Logger:   &logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("ble backend unavailable")
		} else if err := orch.Register(backend, discovery.Capabilities{}); err != nil {
			logger.Error().Err(err).Msg("register ble backend")
		}
	}

	if len(orch.Backends()) == 0 {
		logger.Fatal().Msg("no discovery backends available")
	}

	sub := orch.Subscribe()

	report, err := orch.Start(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("start discovery")
	}
	for id, startErr := range report.Results {
		if startErr != nil {
			logger.Warn().Str("backend", id).Err(startErr).Msg("backend failed to start")
		}
	}
	if len(report.Failed()) == len(report.Results) {
		logger.Fatal().Msg("every discovery backend failed to start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go consumeEvents(logger, sub)

	fmt.Println("Discovery:    running (press Ctrl+C to stop)")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("discovery shutdown reported errors")
	}
}

func consumeEvents(logger zerolog.Logger, sub *discovery.Subscription) {
	events := sub.Events()
	failures := sub.Failures()
	for events != nil || failures != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Type {
			case discovery.EventPeerDiscovered:
				logger.Info().Str("peer", string(ev.Peer.ID)).
					Str("name", ev.Peer.Name).
					Strs("transports", ev.Peer.Transports).
					Strs("addrs", ev.Peer.Addresses).
					Msg("peer discovered")
			case discovery.EventPeerLost:
				logger.Info().Str("peer", string(ev.Peer.ID)).Msg("peer lost")
			}
		case failure, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			logger.Warn().Str("backend", failure.Backend).
				Err(failure.Err).Msg("backend failure")
		}
	}
}
