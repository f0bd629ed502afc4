// Package ble implements the Bluetooth Low Energy discovery backend.
// The central role scans for advertisements carrying the pdrop service
// UUID and converts the platform scan callback into the pull-based
// event sequence the orchestrator consumes; the peripheral role
// advertises the local device name under the same UUID.
//
// BLE advertisements carry no stable application identity, so peers are
// reported under their adapter address. Mapping a BLE sighting to an
// mDNS device_id is left to a higher layer.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"pdrop/discovery"
	"pdrop/identity"
)

// BackendID is the transport identifier reported to the orchestrator.
const BackendID = "ble"

// Sighting is one raw advertisement observed by the radio.
type Sighting struct {
	Address string
	Name    string
	RSSI    int16
}

// radio abstracts the platform BLE adapter so tests can run without
// hardware. The real implementation lives in radio.go.
type radio interface {
	Enable() error
	CanAdvertise() bool
	// Scan blocks, invoking the callback per matching advertisement,
	// until StopScan is called or the adapter fails.
	Scan(onSighting func(Sighting)) error
	StopScan() error
	StartAdvertising(localName string) error
	StopAdvertising() error
}

// Config controls the BLE backend.
type Config struct {
	// Identity is the local device identity; its name is advertised.
	Identity *identity.Identity
	// Logger receives backend logs. Nil means discard.
	Logger *zerolog.Logger

	radio radio
}

// scanSession is one StartScan..close cycle. The event channel belongs
// to the session so a restart after stop gets a fresh sequence.
type scanSession struct {
	events    chan discovery.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *scanSession) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Backend discovers peers over BLE. It declares the advertising
// capability only when the adapter supports the peripheral role.
type Backend struct {
	cfg   Config
	log   zerolog.Logger
	radio radio

	mu          sync.Mutex
	session     *scanSession
	advertising bool
}

// New enables the platform adapter and constructs the backend. The
// adapter is owned exclusively by this backend from here on.
func New(config Config) (*Backend, error) {
	if config.Identity == nil || config.Identity.DeviceID == "" {
		return nil, &discovery.InitializationError{Backend: BackendID, Err: errors.New("local device identity is required")}
	}
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	r := config.radio
	if r == nil {
		r = newPlatformRadio()
	}
	if err := r.Enable(); err != nil {
		return nil, &discovery.InitializationError{Backend: BackendID, Err: fmt.Errorf("enable adapter: %w", err)}
	}

	return &Backend{
		cfg:   config,
		log:   logger.With().Str("backend", BackendID).Logger(),
		radio: r,
	}, nil
}

// ID implements discovery.Backend.
func (b *Backend) ID() string { return BackendID }

// Capabilities implements discovery.Backend.
func (b *Backend) Capabilities() discovery.Capabilities {
	return discovery.Capabilities{
		CanScan:      true,
		CanAdvertise: b.radio.CanAdvertise(),
	}
}

// StartScan begins the central-role scan. Idempotent while scanning.
func (b *Backend) StartScan(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return nil
	}

	session := &scanSession{
		events: make(chan discovery.Event, 128),
		done:   make(chan struct{}),
	}
	b.session = session

	go func() {
		defer close(session.done)
		err := b.radio.Scan(func(s Sighting) {
			b.emit(session, s)
		})

		b.mu.Lock()
		unexpected := b.session == session
		if unexpected {
			b.session = nil
		}
		b.mu.Unlock()

		if unexpected {
			// Adapter failed out from under us; closing the sequence is
			// the signal the orchestrator reacts to.
			if err != nil {
				b.log.Warn().Err(err).Msg("scan terminated")
			}
			session.close()
		}
	}()

	b.log.Debug().Msg("scan started")
	return nil
}

// StopScan ends the scan and closes the event sequence. Idempotent.
func (b *Backend) StopScan(ctx context.Context) error {
	b.mu.Lock()
	session := b.session
	b.session = nil
	b.mu.Unlock()
	if session == nil {
		return nil
	}

	if err := b.radio.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	select {
	case <-session.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	session.close()
	b.log.Debug().Msg("scan stopped")
	return nil
}

// Events implements discovery.Scanner. The channel is replaced on each
// StartScan after a stop.
func (b *Backend) Events() <-chan discovery.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	return b.session.events
}

// Broadcast starts peripheral-role advertising. An adapter without
// peripheral support fails explicitly rather than pretending to
// advertise.
func (b *Backend) Broadcast(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.radio.CanAdvertise() {
		return fmt.Errorf("ble adapter has no peripheral role: %w", discovery.ErrCapabilityUnsupported)
	}
	if b.advertising {
		return nil
	}
	if err := b.radio.StartAdvertising(b.cfg.Identity.DeviceName); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	b.advertising = true
	b.log.Debug().Msg("broadcast started")
	return nil
}

// StopBroadcast stops peripheral-role advertising. Idempotent.
func (b *Backend) StopBroadcast(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advertising {
		return nil
	}
	if err := b.radio.StopAdvertising(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	b.advertising = false
	b.log.Debug().Msg("broadcast stopped")
	return nil
}

func (b *Backend) emit(session *scanSession, s Sighting) {
	if s.Address == "" {
		return
	}
	info := discovery.PeerInfo{
		ID:     discovery.PeerID("ble:" + s.Address),
		Name:   s.Name,
		Signal: s.RSSI,
	}
	select {
	case session.events <- discovery.Event{Type: discovery.EventPeerDiscovered, Peer: info}:
	default:
		b.log.Warn().Str("peer", string(info.ID)).Msg("event buffer full; dropping")
	}
}
