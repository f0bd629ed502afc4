// Package mdns implements the mDNS discovery backend: zeroconf service
// registration for the advertising role and periodic service browsing,
// diffed into discovered/lost events, for the scanning role.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"pdrop/discovery"
	"pdrop/identity"
)

// BackendID is the transport identifier reported to the orchestrator.
const BackendID = "mdns"

const (
	txtKeyDeviceID    = "device_id"
	txtKeyVersion     = "version"
	txtKeyFingerprint = "key_fingerprint"
	txtKeyToken       = "token"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// knownPeer tracks one browsed peer between scans.
type knownPeer struct {
	info     discovery.PeerInfo
	lastSeen time.Time
}

// Backend discovers and advertises peers over mDNS. It implements both
// discovery capabilities.
type Backend struct {
	cfg    Config
	log    zerolog.Logger
	browse browseFunc

	mu          sync.Mutex
	scanning    bool
	events      chan discovery.Event
	loopCtx     context.Context
	cancel      context.CancelFunc
	advertising bool
	server      *zeroconf.Server

	wg              sync.WaitGroup
	refreshRequests chan refreshRequest
}

// New creates the backend, acquiring the zeroconf resolver it scans
// with. Construction failure is fatal for this backend only.
func New(config Config) (*Backend, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &discovery.InitializationError{Backend: BackendID, Err: err}
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, &discovery.InitializationError{Backend: BackendID, Err: err}
		}
		browse = resolver.Browse
	}

	return &Backend{
		cfg:             cfg,
		log:             cfg.Logger.With().Str("backend", BackendID).Logger(),
		browse:          browse,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// ID implements discovery.Backend.
func (b *Backend) ID() string { return BackendID }

// Capabilities implements discovery.Backend.
func (b *Backend) Capabilities() discovery.Capabilities {
	return discovery.Capabilities{CanScan: true, CanAdvertise: true}
}

// StartScan begins background browsing. Idempotent: a second call on a
// scanning backend succeeds without restarting the browse loop or
// duplicating the event source.
func (b *Backend) StartScan(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanning {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.scanning = true
	b.loopCtx = loopCtx
	b.cancel = cancel
	b.events = make(chan discovery.Event, 128)
	b.wg.Add(1)
	go b.loop(loopCtx, b.events)
	b.log.Debug().Msg("scan started")
	return nil
}

// StopScan halts browsing and closes the event sequence. Idempotent.
func (b *Backend) StopScan(ctx context.Context) error {
	b.mu.Lock()
	if !b.scanning {
		b.mu.Unlock()
		return nil
	}
	b.scanning = false
	cancel := b.cancel
	events := b.events
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	close(events)
	b.log.Debug().Msg("scan stopped")
	return nil
}

// Events implements discovery.Scanner. The channel is replaced on each
// StartScan after a stop.
func (b *Backend) Events() <-chan discovery.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// Broadcast registers the mDNS service announcing this device.
// Idempotent while advertising.
func (b *Backend) Broadcast(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advertising {
		return nil
	}

	self := b.cfg.Identity
	txt := []string{
		txtKeyDeviceID + "=" + self.DeviceID,
		txtKeyVersion + "=" + strconv.Itoa(b.cfg.Version),
		txtKeyFingerprint + "=" + self.Fingerprint(),
		txtKeyToken + "=" + identity.DiscoveryToken(self.DeviceID, self.PublicKey, b.cfg.Now()),
	}

	server, err := b.cfg.registerFn(self.DeviceName, b.cfg.Service, b.cfg.Domain, b.cfg.ListeningPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(b.cfg.TTL)
	}
	b.server = server
	b.advertising = true
	b.log.Debug().Int("port", b.cfg.ListeningPort).Msg("broadcast started")
	return nil
}

// StopBroadcast shuts the mDNS registration down. Idempotent.
func (b *Backend) StopBroadcast(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.advertising {
		return nil
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	b.server = nil
	b.advertising = false
	b.log.Debug().Msg("broadcast stopped")
	return nil
}

// Refresh triggers an immediate browse outside the periodic schedule.
func (b *Backend) Refresh(ctx context.Context) error {
	b.mu.Lock()
	scanning := b.scanning
	loopCtx := b.loopCtx
	b.mu.Unlock()
	if !scanning {
		return errors.New("mdns backend is not scanning")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("mdns backend is stopped")
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("mdns backend is stopped")
	}
}

func (b *Backend) loop(ctx context.Context, events chan<- discovery.Event) {
	defer b.wg.Done()

	known := make(map[discovery.PeerID]*knownPeer)

	// Prime the peer view immediately.
	b.runScan(ctx, ctx, known, events)

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runScan(ctx, ctx, known, events)
		case req := <-b.refreshRequests:
			req.done <- b.runScan(ctx, req.ctx, known, events)
		case <-ctx.Done():
			return
		}
	}
}

// runScan performs one browse window, renews sightings of collected
// peers, and reports peers unseen past the stale cutoff as lost.
func (b *Backend) runScan(loopCtx, requestCtx context.Context, known map[discovery.PeerID]*knownPeer, events chan<- discovery.Event) error {
	scanCtx, cancel := context.WithTimeout(loopCtx, b.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != loopCtx {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[discovery.PeerID]discovery.PeerInfo)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				info, ok := parseEntry(entry, b.cfg.Identity.DeviceID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[info.ID] = info
				collectedMu.Unlock()
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	now := b.cfg.Now()
	for id, info := range seen {
		info.LastSeen = now
		known[id] = &knownPeer{info: info, lastSeen: now}
		b.emit(events, discovery.Event{Type: discovery.EventPeerDiscovered, Peer: info})
	}
	for id, peer := range known {
		if now.Sub(peer.lastSeen) <= b.cfg.PeerStaleAfter {
			continue
		}
		delete(known, id)
		b.emit(events, discovery.Event{Type: discovery.EventPeerLost, Peer: peer.info})
	}

	// A deadline just means this browse window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Backend) emit(events chan<- discovery.Event, event discovery.Event) {
	select {
	case events <- event:
	default:
		b.log.Warn().Str("peer", string(event.Peer.ID)).Msg("event buffer full; dropping")
	}
}

// parseEntry converts one browsed service entry into a PeerInfo,
// filtering out the local device and entries without an identity.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (discovery.PeerInfo, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtKeyDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return discovery.PeerInfo{}, false
	}

	metadata := make(map[string]string, 3)
	if v := strings.TrimSpace(txt[txtKeyFingerprint]); v != "" {
		metadata[txtKeyFingerprint] = v
	}
	if v := strings.TrimSpace(txt[txtKeyToken]); v != "" {
		metadata[txtKeyToken] = v
	}
	if v := strings.TrimSpace(txt[txtKeyVersion]); v != "" {
		metadata[txtKeyVersion] = v
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return discovery.PeerInfo{
		ID:        discovery.PeerID(deviceID),
		Name:      name,
		Addresses: addresses,
		Port:      entry.Port,
		Metadata:  metadata,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
