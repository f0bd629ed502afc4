package discovery

import "time"

// BackendFailure is the asynchronous failure side-channel payload
// delivered alongside the merged event stream.
type BackendFailure struct {
	Backend string
	Err     error
	Time    time.Time
}

// Subscription is one independent consumer of the merged discovery
// stream. Every subscriber receives the full stream; none observes
// another's consumption pace.
type Subscription struct {
	o        *Orchestrator
	events   chan Event
	failures chan BackendFailure

	// guarded by Orchestrator.subMu
	closed  bool
	dropped uint64
}

// Events returns the merged discovery stream. The channel is closed
// only when the orchestrator's Stop completes, never because a backend
// failed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Failures returns asynchronous backend failure notifications.
func (s *Subscription) Failures() <-chan BackendFailure { return s.failures }

// Cancel detaches the subscriber and closes its channels.
func (s *Subscription) Cancel() {
	s.o.removeSubscription(s)
}

// Subscribe registers an independent consumer of the merged stream.
// Subscribing after Stop yields a subscription whose channels are
// already closed.
func (o *Orchestrator) Subscribe() *Subscription {
	sub := &Subscription{
		o:        o,
		events:   make(chan Event, o.cfg.EventBuffer),
		failures: make(chan BackendFailure, 8),
	}

	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		sub.closed = true
		close(sub.events)
		close(sub.failures)
		return sub
	}
	o.subs[sub] = struct{}{}
	return sub
}

func (o *Orchestrator) removeSubscription(sub *Subscription) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(o.subs, sub)
	close(sub.events)
	close(sub.failures)
}

// publish fans a merged event out to every subscriber. A full
// subscriber drops the event; drops are counted and logged rather than
// stalling the merge loop.
func (o *Orchestrator) publish(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for sub := range o.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			sub.dropped++
			o.log.Warn().Uint64("dropped", sub.dropped).
				Str("peer", string(ev.Peer.ID)).
				Msg("slow subscriber; event dropped")
		}
	}
}

func (o *Orchestrator) notifyFailure(backend string, err error) {
	failure := BackendFailure{Backend: backend, Err: err, Time: o.cfg.clk.Now()}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for sub := range o.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.failures <- failure:
		default:
		}
	}
}

func (o *Orchestrator) closeSubscriptions() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for sub := range o.subs {
		if sub.closed {
			continue
		}
		sub.closed = true
		close(sub.events)
		close(sub.failures)
	}
	o.subs = make(map[*Subscription]struct{})
}
