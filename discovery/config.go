package discovery

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// DefaultScanTTL is the sighting freshness window.
	DefaultScanTTL = 120 * time.Second
	// DefaultStartTimeout bounds each backend start operation.
	DefaultStartTimeout = 5 * time.Second
	// DefaultStopTimeout bounds each backend stop operation.
	DefaultStopTimeout = 3 * time.Second
	// DefaultEventBuffer is the per-subscriber event channel capacity.
	DefaultEventBuffer = 128
)

// Config controls orchestrator behavior.
type Config struct {
	// ScanTTL is how long a sighting stays fresh without renewal before
	// the sweep evicts it and emits a peer-lost event.
	ScanTTL time.Duration

	// BackendStartTimeout bounds each backend's start_scan/broadcast
	// call. A timeout disables only the offending backend.
	BackendStartTimeout time.Duration

	// BackendStopTimeout bounds each backend's stop call. Backends that
	// do not respond in time are force-released and logged as leaked.
	BackendStopTimeout time.Duration

	// SweepInterval is how often stale table entries are checked.
	// Defaults to ScanTTL/4.
	SweepInterval time.Duration

	// DisableDedupe turns off cross-transport identity dedup: peers are
	// then tracked per (backend, identity) and each transport's
	// sightings produce their own discovered/lost events.
	DisableDedupe bool

	// EventBuffer is the capacity of each subscriber channel. Events to
	// a full subscriber are dropped and counted.
	EventBuffer int

	// Logger receives structured orchestrator logs. Nil means discard.
	Logger *zerolog.Logger

	clk clock.Clock
}

func (c Config) withDefaults() Config {
	out := c
	if out.ScanTTL <= 0 {
		out.ScanTTL = DefaultScanTTL
	}
	if out.BackendStartTimeout <= 0 {
		out.BackendStartTimeout = DefaultStartTimeout
	}
	if out.BackendStopTimeout <= 0 {
		out.BackendStopTimeout = DefaultStopTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.ScanTTL / 4
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.clk == nil {
		out.clk = clock.New()
	}
	return out
}
