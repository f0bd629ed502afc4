package mdns

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"pdrop/identity"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_pdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the mDNS backend.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// PeerStaleAfter is how long a previously browsed peer may go
	// unseen before the backend reports it lost. Defaults to twice the
	// refresh interval plus one scan window, so a single missed browse
	// does not flap presence.
	PeerStaleAfter time.Duration

	// Identity is the local device identity; sightings of it are
	// filtered out and its values fill the advertised TXT records.
	Identity *identity.Identity
	// ListeningPort is the transfer port announced to peers.
	ListeningPort int

	// Logger receives backend logs. Nil means discard.
	Logger *zerolog.Logger
	// Now supplies timestamps; defaults to time.Now. Tests override it.
	Now func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2*out.RefreshInterval + out.ScanTimeout
	}
	if out.Logger == nil {
		nop := zerolog.Nop()
		out.Logger = &nop
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if c.Identity == nil || c.Identity.DeviceID == "" {
		return errors.New("local device identity is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}
