package discovery

import (
	"context"
	"sort"
	"time"
)

const (
	// EventPeerDiscovered is emitted when a peer is first sighted.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerLost is emitted when a previously sighted peer disappears.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// PeerID is the opaque, comparable identity of a remote device.
//
// Two sightings with equal PeerID refer to the same physical peer.
// Backends report the most stable identity their transport offers
// (an mDNS device_id TXT value, a BLE address); the merge engine never
// invents cross-transport equivalences on its own.
type PeerID string

// PeerInfo describes one discovered peer.
type PeerInfo struct {
	ID        PeerID
	Name      string
	Addresses []string
	Port      int
	// Signal is the received signal strength in dBm, 0 when the
	// transport does not report one.
	Signal int16
	// Metadata carries transport-specific key/value pairs such as the
	// advertised key fingerprint or protocol version.
	Metadata map[string]string
	// Transports lists the backend IDs currently attributing a sighting
	// to this peer. Populated on merged events only; raw backend events
	// leave it empty.
	Transports []string
	LastSeen   time.Time
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p PeerInfo) Clone() PeerInfo {
	out := p
	if p.Addresses != nil {
		out.Addresses = append([]string(nil), p.Addresses...)
	}
	if p.Transports != nil {
		out.Transports = append([]string(nil), p.Transports...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Event carries a discovery update from a backend or the orchestrator.
type Event struct {
	Type EventType
	Peer PeerInfo
}

// Capabilities declares which operations a backend supports.
type Capabilities struct {
	CanScan      bool
	CanAdvertise bool
}

// Backend is the minimal contract every transport plugin satisfies.
//
// A backend additionally implements Scanner, Advertiser, or both,
// consistent with its declared capability flags. The orchestrator only
// invokes operations the backend declares support for.
type Backend interface {
	// ID returns a short stable identifier, unique per registration
	// (e.g. "mdns", "ble").
	ID() string
	// Capabilities reports the declared capability flags.
	Capabilities() Capabilities
}

// Scanner is the discovery capability: a scan lifecycle plus a private
// event sequence.
type Scanner interface {
	Backend

	// StartScan begins producing discovery events. Idempotent: starting
	// an already-scanning backend succeeds without restarting or
	// duplicating the event source.
	StartScan(ctx context.Context) error

	// StopScan halts event production. Idempotent; safe when not
	// scanning.
	StopScan(ctx context.Context) error

	// Events returns the backend's event sequence. Single consumer;
	// events arrive in production order. The channel is closed only
	// when the backend stops or fails irrecoverably.
	Events() <-chan Event
}

// Advertiser is the broadcast capability (peripheral role).
//
// A backend lacking advertising hardware must fail Broadcast with
// ErrCapabilityUnsupported rather than succeed with no observable
// effect.
type Advertiser interface {
	Backend

	Broadcast(ctx context.Context) error
	StopBroadcast(ctx context.Context) error
}

func sortPeers(peers []PeerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name == peers[j].Name {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].Name < peers[j].Name
	})
}
