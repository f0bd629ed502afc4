package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BackendState is the lifecycle state of a registered backend.
type BackendState int32

const (
	StateIdle BackendState = iota
	StateStarting
	StateScanning
	StateStopping
	// StateFailed is terminal until ResetBackend.
	StateFailed
	// StateDisabled marks a backend removed from service by policy
	// (operation timeout or unexpected stream close).
	StateDisabled
)

// String returns a lower-case state name.
func (s BackendState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateScanning:
		return "scanning"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// BackendStatus is a point-in-time view of one registered backend.
type BackendStatus struct {
	ID           string
	Capabilities Capabilities
	Roles        Capabilities
	State        BackendState
	Err          error
}

// StartReport collects per-backend start outcomes. A nil map value
// means the backend started successfully.
type StartReport struct {
	Results map[string]error
}

// Ok reports whether every backend started.
func (r *StartReport) Ok() bool {
	for _, err := range r.Results {
		if err != nil {
			return false
		}
	}
	return true
}

// Failed returns the sorted IDs of backends that failed to start.
func (r *StartReport) Failed() []string {
	var out []string
	for id, err := range r.Results {
		if err != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type backendRecord struct {
	backend    Backend
	roles      Capabilities
	scanner    Scanner    // non-nil iff roles.CanScan
	advertiser Advertiser // non-nil iff roles.CanAdvertise

	// guarded by Orchestrator.mu
	state       BackendState
	lastErr     error
	advertising bool
	pumping     bool
}

type taggedEvent struct {
	backend string
	event   Event
	closed  bool
}

type queryRequest struct {
	reply chan []PeerInfo
}

type tableEntry struct {
	info       PeerInfo
	transports map[string]struct{}
	lastSeen   time.Time
}

// Orchestrator owns a set of transport backends, drives their
// lifecycles concurrently, and merges their event streams into one
// deduplicated peer view.
//
// The merged peer table is mutated exclusively by the merge loop;
// queries receive snapshot copies served over a request channel.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	backends map[string]*backendRecord
	started  bool
	stopped  bool

	raw     chan taggedEvent
	queries chan queryRequest

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	pumps    sync.WaitGroup
	loopDone chan struct{}
}

// NewOrchestrator creates an orchestrator with config defaults applied.
func NewOrchestrator(config Config) *Orchestrator {
	cfg := config.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "discovery").Logger(),
		backends: make(map[string]*backendRecord),
		raw:      make(chan taggedEvent, cfg.EventBuffer),
		queries:  make(chan queryRequest),
		subs:     make(map[*Subscription]struct{}),
		loopDone: make(chan struct{}),
	}
}

// Register adds a backend under the requested role flags. Zero roles
// default to the backend's declared capabilities. Requesting a role the
// backend does not declare, or declares without implementing the
// matching interface, fails with ErrCapabilityUnsupported and has no
// side effect.
func (o *Orchestrator) Register(b Backend, roles Capabilities) error {
	declared := b.Capabilities()
	if roles == (Capabilities{}) {
		roles = declared
	}

	rec := &backendRecord{backend: b, roles: roles, state: StateIdle}
	if roles.CanScan {
		if !declared.CanScan {
			return &OperationError{Backend: b.ID(), Op: "register", Err: ErrCapabilityUnsupported}
		}
		scanner, ok := b.(Scanner)
		if !ok {
			return &OperationError{Backend: b.ID(), Op: "register", Err: ErrCapabilityUnsupported}
		}
		rec.scanner = scanner
	}
	if roles.CanAdvertise {
		if !declared.CanAdvertise {
			return &OperationError{Backend: b.ID(), Op: "register", Err: ErrCapabilityUnsupported}
		}
		advertiser, ok := b.(Advertiser)
		if !ok {
			return &OperationError{Backend: b.ID(), Op: "register", Err: ErrCapabilityUnsupported}
		}
		rec.advertiser = advertiser
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}
	if _, exists := o.backends[b.ID()]; exists {
		return ErrAlreadyRegistered
	}
	o.backends[b.ID()] = rec
	o.log.Debug().Str("backend", b.ID()).
		Bool("scan", roles.CanScan).
		Bool("advertise", roles.CanAdvertise).
		Msg("backend registered")
	return nil
}

// Start launches all registered backends concurrently, each start
// operation bounded by BackendStartTimeout, and begins merging events.
// One backend's failure never aborts the others; every outcome is
// collected into the returned report. Start also begins the merge loop,
// so events from successful backends flow regardless of failures
// reported alongside them.
func (o *Orchestrator) Start(ctx context.Context) (*StartReport, error) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil, ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	records := make(map[string]*backendRecord, len(o.backends))
	for id, rec := range o.backends {
		records[id] = rec
	}
	o.mu.Unlock()

	go o.mergeLoop()

	report := &StartReport{Results: make(map[string]error, len(records))}
	var (
		reportMu sync.Mutex
		wg       sync.WaitGroup
	)
	for id, rec := range records {
		wg.Add(1)
		go func(id string, rec *backendRecord) {
			defer wg.Done()
			err := o.startBackend(ctx, rec)
			reportMu.Lock()
			report.Results[id] = err
			reportMu.Unlock()
			if err != nil {
				o.notifyFailure(id, err)
			}
		}(id, rec)
	}
	wg.Wait()
	return report, nil
}

func (o *Orchestrator) startBackend(ctx context.Context, rec *backendRecord) error {
	id := rec.backend.ID()
	o.setState(rec, StateStarting, nil)

	if rec.roles.CanScan {
		err := o.callBounded(ctx, id, "start_scan", o.cfg.BackendStartTimeout, rec.scanner.StartScan)
		if err != nil {
			o.failStart(rec, err)
			return err
		}
	}
	if rec.roles.CanAdvertise {
		err := o.callBounded(ctx, id, "broadcast", o.cfg.BackendStartTimeout, rec.advertiser.Broadcast)
		if err != nil {
			if rec.roles.CanScan {
				stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.BackendStopTimeout)
				if stopErr := rec.scanner.StopScan(stopCtx); stopErr != nil {
					o.log.Warn().Str("backend", id).Err(stopErr).Msg("scan rollback failed")
				}
				cancel()
			}
			o.failStart(rec, err)
			return err
		}
		o.mu.Lock()
		rec.advertising = true
		o.mu.Unlock()
	}

	o.mu.Lock()
	rec.state = StateScanning
	rec.lastErr = nil
	if rec.roles.CanScan && !rec.pumping {
		rec.pumping = true
		o.pumps.Add(1)
		go o.pump(id, rec.scanner.Events())
	}
	o.mu.Unlock()

	o.log.Info().Str("backend", id).Msg("backend started")
	return nil
}

func (o *Orchestrator) failStart(rec *backendRecord, err error) {
	state := StateFailed
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Timeout() {
		state = StateDisabled
	}
	o.setState(rec, state, err)
	o.log.Warn().Str("backend", rec.backend.ID()).
		Stringer("state", state).Err(err).Msg("backend start failed")
}

// StartBackend starts a single idle backend on a running orchestrator,
// typically after ResetBackend.
func (o *Orchestrator) StartBackend(ctx context.Context, id string) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if !o.started {
		o.mu.Unlock()
		return errors.New("orchestrator not started")
	}
	rec, exists := o.backends[id]
	if !exists {
		o.mu.Unlock()
		return ErrNotRegistered
	}
	if rec.state != StateIdle {
		state := rec.state
		o.mu.Unlock()
		return &OperationError{Backend: id, Op: "start", Err: errors.New("backend is " + state.String())}
	}
	o.mu.Unlock()

	if err := o.startBackend(ctx, rec); err != nil {
		o.notifyFailure(id, err)
		return err
	}
	return nil
}

// ResetBackend returns a Failed or Disabled backend to Idle so it can
// be started again.
func (o *Orchestrator) ResetBackend(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, exists := o.backends[id]
	if !exists {
		return ErrNotRegistered
	}
	if rec.state != StateFailed && rec.state != StateDisabled {
		return &OperationError{Backend: id, Op: "reset", Err: errors.New("backend is " + rec.state.String())}
	}
	rec.state = StateIdle
	rec.lastErr = nil
	rec.advertising = false
	return nil
}

// Stop shuts down all backends concurrently, each stop bounded by
// BackendStopTimeout. Backends that do not respond in time are
// force-released and logged as leaked rather than blocking shutdown.
// The merged event stream terminates only here.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	started := o.started
	records := make(map[string]*backendRecord, len(o.backends))
	for id, rec := range o.backends {
		records[id] = rec
	}
	o.mu.Unlock()

	if !started {
		o.closeSubscriptions()
		return nil
	}

	var (
		errMu sync.Mutex
		errs  []error
		wg    sync.WaitGroup
	)
	for id, rec := range records {
		o.mu.Lock()
		active := rec.state == StateScanning || rec.state == StateStarting
		advertising := rec.advertising
		if active {
			rec.state = StateStopping
		}
		o.mu.Unlock()
		if !active && !advertising {
			continue
		}

		wg.Add(1)
		go func(id string, rec *backendRecord, scanning, advertising bool) {
			defer wg.Done()
			var failure error
			if advertising && rec.advertiser != nil {
				if err := o.callBounded(ctx, id, "stop_broadcast", o.cfg.BackendStopTimeout, rec.advertiser.StopBroadcast); err != nil {
					failure = err
				}
			}
			if scanning && rec.scanner != nil {
				if err := o.callBounded(ctx, id, "stop_scan", o.cfg.BackendStopTimeout, rec.scanner.StopScan); err != nil {
					failure = err
				}
			}
			if failure != nil {
				var opErr *OperationError
				if errors.As(failure, &opErr) && opErr.Timeout() {
					o.log.Warn().Str("backend", id).
						Msg("backend unresponsive on stop; resources leaked")
				}
				o.setState(rec, StateDisabled, failure)
				errMu.Lock()
				errs = append(errs, failure)
				errMu.Unlock()
				return
			}
			o.setState(rec, StateIdle, nil)
		}(id, rec, active, advertising)
	}
	wg.Wait()

	o.cancel()
	o.pumps.Wait()
	<-o.loopDone
	o.log.Info().Msg("discovery stopped")
	return errors.Join(errs...)
}

// Backends returns a snapshot of every registered backend's status,
// sorted by ID.
func (o *Orchestrator) Backends() []BackendStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]BackendStatus, 0, len(o.backends))
	for id, rec := range o.backends {
		out = append(out, BackendStatus{
			ID:           id,
			Capabilities: rec.backend.Capabilities(),
			Roles:        rec.roles,
			State:        rec.state,
			Err:          rec.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryPeers returns an immutable snapshot of the merged peer table,
// sorted by name then ID. The snapshot is served by the merge loop so
// concurrent queries never observe a half-updated table.
func (o *Orchestrator) QueryPeers(ctx context.Context) ([]PeerInfo, error) {
	o.mu.Lock()
	running := o.started && !o.stopped
	o.mu.Unlock()
	if !running {
		return nil, nil
	}

	req := queryRequest{reply: make(chan []PeerInfo, 1)}
	select {
	case o.queries <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.loopDone:
		return nil, nil
	}
	select {
	case peers := <-req.reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callBounded runs one lifecycle operation under its timeout. On
// timeout the call's goroutine is abandoned; the operation context is
// cancelled so well-behaved backends return promptly.
func (o *Orchestrator) callBounded(ctx context.Context, id, op string, bound time.Duration, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(opCtx) }()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrTimeout
			}
			return &OperationError{Backend: id, Op: op, Err: err}
		}
		return nil
	case <-opCtx.Done():
		return &OperationError{Backend: id, Op: op, Err: ErrTimeout}
	}
}

func (o *Orchestrator) setState(rec *backendRecord, state BackendState, err error) {
	o.mu.Lock()
	rec.state = state
	rec.lastErr = err
	o.mu.Unlock()
}

// pump forwards one backend's event sequence into the merge loop,
// tagging each event with its origin. Channel closure is itself a
// signal the merge loop must observe.
func (o *Orchestrator) pump(id string, events <-chan Event) {
	defer o.pumps.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case o.raw <- taggedEvent{backend: id, closed: true}:
				case <-o.ctx.Done():
				}
				return
			}
			select {
			case o.raw <- taggedEvent{backend: id, event: ev}:
			case <-o.ctx.Done():
				return
			}
		}
	}
}

// mergeLoop is the single owner of the merged peer table.
func (o *Orchestrator) mergeLoop() {
	defer close(o.loopDone)

	table := make(map[PeerID]*tableEntry)
	ticker := o.cfg.clk.Ticker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			o.closeSubscriptions()
			return
		case te := <-o.raw:
			if te.closed {
				o.handleStreamClosed(table, te.backend)
				continue
			}
			o.applyEvent(table, te)
		case <-ticker.C:
			o.sweep(table)
		case req := <-o.queries:
			req.reply <- snapshotPeers(table)
		}
	}
}

func (o *Orchestrator) tableKey(id PeerID, backend string) PeerID {
	if o.cfg.DisableDedupe {
		return id + "@" + PeerID(backend)
	}
	return id
}

func (o *Orchestrator) applyEvent(table map[PeerID]*tableEntry, te taggedEvent) {
	now := o.cfg.clk.Now()
	key := o.tableKey(te.event.Peer.ID, te.backend)

	switch te.event.Type {
	case EventPeerDiscovered:
		entry, exists := table[key]
		if !exists {
			entry = &tableEntry{
				info:       te.event.Peer.Clone(),
				transports: map[string]struct{}{te.backend: {}},
				lastSeen:   now,
			}
			entry.info.LastSeen = now
			entry.info.Transports = transportList(entry.transports)
			table[key] = entry
			o.log.Debug().Str("peer", string(te.event.Peer.ID)).
				Str("backend", te.backend).Msg("peer discovered")
			o.publish(Event{Type: EventPeerDiscovered, Peer: entry.info.Clone()})
			return
		}
		// Duplicate sighting: refresh, but emit nothing.
		entry.transports[te.backend] = struct{}{}
		entry.lastSeen = now
		mergeSighting(&entry.info, te.event.Peer)
		entry.info.LastSeen = now
		entry.info.Transports = transportList(entry.transports)

	case EventPeerLost:
		entry, exists := table[key]
		if !exists {
			return
		}
		delete(entry.transports, te.backend)
		if len(entry.transports) > 0 {
			entry.info.Transports = transportList(entry.transports)
			return
		}
		delete(table, key)
		o.log.Debug().Str("peer", string(te.event.Peer.ID)).
			Str("backend", te.backend).Msg("peer lost")
		o.publish(Event{Type: EventPeerLost, Peer: entry.info.Clone()})
	}
}

// sweep evicts entries whose sightings have gone stale, treating expiry
// as every contributing backend reporting loss at once.
func (o *Orchestrator) sweep(table map[PeerID]*tableEntry) {
	now := o.cfg.clk.Now()
	for key, entry := range table {
		if now.Sub(entry.lastSeen) <= o.cfg.ScanTTL {
			continue
		}
		delete(table, key)
		o.log.Debug().Str("peer", string(entry.info.ID)).Msg("peer sighting expired")
		o.publish(Event{Type: EventPeerLost, Peer: entry.info.Clone()})
	}
}

// handleStreamClosed reacts to a backend's event sequence ending. An
// orderly stop closes the sequence too, so only a close observed while
// the backend is still Scanning counts as a failure.
func (o *Orchestrator) handleStreamClosed(table map[PeerID]*tableEntry, backend string) {
	o.mu.Lock()
	rec, exists := o.backends[backend]
	unexpected := exists && rec.state == StateScanning
	if unexpected {
		rec.state = StateDisabled
		rec.lastErr = ErrStreamClosed
		rec.pumping = false
	} else if exists {
		rec.pumping = false
	}
	o.mu.Unlock()
	if !unexpected {
		return
	}

	o.log.Warn().Str("backend", backend).Msg("event stream closed unexpectedly; backend disabled")
	o.notifyFailure(backend, &OperationError{Backend: backend, Op: "poll_events", Err: ErrStreamClosed})

	// Implicit stop: retract every sighting this backend contributed.
	for key, entry := range table {
		if _, contributed := entry.transports[backend]; !contributed {
			continue
		}
		delete(entry.transports, backend)
		if len(entry.transports) > 0 {
			entry.info.Transports = transportList(entry.transports)
			continue
		}
		delete(table, key)
		o.publish(Event{Type: EventPeerLost, Peer: entry.info.Clone()})
	}
}

func snapshotPeers(table map[PeerID]*tableEntry) []PeerInfo {
	out := make([]PeerInfo, 0, len(table))
	for _, entry := range table {
		out = append(out, entry.info.Clone())
	}
	sortPeers(out)
	return out
}

func transportList(transports map[string]struct{}) []string {
	out := make([]string, 0, len(transports))
	for id := range transports {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// mergeSighting folds a fresh sighting into an existing entry, keeping
// the most informative fields.
func mergeSighting(dst *PeerInfo, src PeerInfo) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if len(src.Addresses) > 0 {
		dst.Addresses = append([]string(nil), src.Addresses...)
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Signal != 0 {
		dst.Signal = src.Signal
	}
	if len(src.Metadata) > 0 {
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]string, len(src.Metadata))
		}
		for k, v := range src.Metadata {
			dst.Metadata[k] = v
		}
	}
}
