// Package replicator implements the command replicator of spec section
// 4.6: acquire the global mutex, apply locally, broadcast Apply to every
// connected peer, collect acks, release.
package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lrnzcig/peillute/pkg/peillute/clock"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Sender is the subset of the connection registry the replicator needs.
type Sender interface {
	Send(site types.SiteID, msg types.Message) error
	Connected() []types.SiteID
}

// Mutex is the subset of the mutex coordinator the replicator drives.
type Mutex interface {
	Acquire(ctx context.Context) error
	Release()
}

// historyEntry is kept in the in-flight/recent ring buffer used by
// Reconcile; see SPEC_FULL.md "Reconciliation hook".
type historyEntry struct {
	apply types.Apply
}

const reconcileHistoryLimit = 1024

// Replicator drives Submit and the peer-side handling of inbound Apply
// messages.
type Replicator struct {
	self   types.SiteID
	clock  *clock.Clock
	sender Sender
	mutex  Mutex
	ledger types.LocalLedger
	log    types.Logger

	replicationTimeout time.Duration

	// onDiverged, if set, is called each time a replica fails to apply a
	// command the originator already applied successfully (spec
	// section 9's fatal inconsistency). It lets the orchestrator flag the
	// node without this package depending on it.
	onDiverged func()

	mu       sync.Mutex
	seen     map[string]struct{} // idempotency set keyed by command_id
	history  []historyEntry      // bounded ring buffer for Reconcile
	inFlight map[string]*inFlight
}

type inFlight struct {
	pendingAcks map[types.SiteID]struct{}
	done        chan struct{}
}

// New creates a Replicator.
func New(self types.SiteID, clk *clock.Clock, sender Sender, mutex Mutex, ledger types.LocalLedger, log types.Logger, replicationTimeout time.Duration) *Replicator {
	if log == nil {
		log = types.NopLogger{}
	}
	return &Replicator{
		self:               self,
		clock:              clk,
		sender:             sender,
		mutex:              mutex,
		ledger:             ledger,
		log:                log,
		replicationTimeout: replicationTimeout,
		seen:               make(map[string]struct{}),
		inFlight:           make(map[string]*inFlight),
	}
}

// Submit implements spec section 4.6's entry point: acquire the mutex,
// apply locally, broadcast, collect acks, release. It returns Ok once the
// command has been applied locally and acknowledged by the originator
// (spec section 7 "User-visible behavior"); validation errors are
// returned without ever broadcasting.
func (r *Replicator) Submit(ctx context.Context, command types.Command) (types.CommandResult, error) {
	if err := command.Validate(); err != nil {
		return types.CommandResult{}, err
	}

	if err := r.mutex.Acquire(ctx); err != nil {
		return types.CommandResult{}, err
	}
	defer r.mutex.Release()

	lamport, vc := r.clock.Tick()
	command.CommandID = uuid.NewString()
	command.Originator = r.self

	result, err := r.ledger.Apply(command)
	if err != nil {
		// Spec section 4.6/7: a deterministic validation error at the
		// originator is returned to the caller without broadcasting.
		return types.CommandResult{}, err
	}

	r.mu.Lock()
	r.seen[command.CommandID] = struct{}{}
	r.recordHistoryLocked(types.Apply{
		CommandID:   command.CommandID,
		Originator:  r.self,
		Lamport:     lamport,
		VectorClock: vc,
		Command:     command,
	})
	r.mu.Unlock()

	connected := r.sender.Connected()
	if len(connected) == 0 {
		return result, nil
	}

	wait := &inFlight{pendingAcks: make(map[types.SiteID]struct{}, len(connected)), done: make(chan struct{})}
	for _, site := range connected {
		wait.pendingAcks[site] = struct{}{}
	}
	r.mu.Lock()
	r.inFlight[command.CommandID] = wait
	r.mu.Unlock()

	applyMsg := types.Apply{
		CommandID:   command.CommandID,
		Originator:  r.self,
		Lamport:     lamport,
		VectorClock: vc,
		Command:     command,
	}
	for _, site := range connected {
		if err := r.sender.Send(site, applyMsg); err != nil {
			r.mu.Lock()
			delete(wait.pendingAcks, site)
			r.checkDoneLocked(command.CommandID, wait)
			r.mu.Unlock()
		}
	}

	var timeoutCh <-chan time.Time
	if r.replicationTimeout > 0 {
		timer := time.NewTimer(r.replicationTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-wait.done:
	case <-timeoutCh:
		r.log.Warnf("replication timeout for %s, proceeding with partial acks", command.CommandID)
	case <-ctx.Done():
	}

	r.mu.Lock()
	delete(r.inFlight, command.CommandID)
	r.mu.Unlock()

	return result, nil
}

// OnDiverged registers a callback invoked each time this replica fails
// to apply a command the originator already applied successfully.
func (r *Replicator) OnDiverged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDiverged = fn
}

// HandleApply processes an inbound Apply from a peer: advances clocks,
// applies idempotently (keyed by command_id), and acks.
func (r *Replicator) HandleApply(from types.SiteID, msg types.Apply) {
	r.clock.Receive(msg.Lamport, msg.VectorClock)

	r.mu.Lock()
	_, already := r.seen[msg.CommandID]
	if !already {
		r.seen[msg.CommandID] = struct{}{}
		r.recordHistoryLocked(msg)
	}
	r.mu.Unlock()

	if !already {
		if _, err := r.ledger.Apply(msg.Command); err != nil {
			// Spec section 7/9: a replica failing a deterministic
			// command that already succeeded at the originator
			// indicates divergence, a fatal inconsistency.
			r.log.Errorf("%v: command %s failed to apply on replica %s: %v", types.ErrDiverged, msg.CommandID, r.self, err)
			r.mu.Lock()
			onDiverged := r.onDiverged
			r.mu.Unlock()
			if onDiverged != nil {
				onDiverged()
			}
		}
	}

	_ = r.sender.Send(from, types.ApplyAck{CommandID: msg.CommandID, ResponderSite: r.self})
}

// HandleApplyAck processes an inbound ApplyAck at the originator.
func (r *Replicator) HandleApplyAck(msg types.ApplyAck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wait, ok := r.inFlight[msg.CommandID]
	if !ok {
		return
	}
	delete(wait.pendingAcks, msg.ResponderSite)
	r.checkDoneLocked(msg.CommandID, wait)
}

// HandlePeerDisconnected drops a disconnected peer from every in-flight
// replication's pending-acks set, so a crashed peer cannot stall Submit
// forever beyond replicationTimeout.
func (r *Replicator) HandlePeerDisconnected(site types.SiteID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, wait := range r.inFlight {
		delete(wait.pendingAcks, site)
		r.checkDoneLocked(id, wait)
	}
}

func (r *Replicator) checkDoneLocked(id string, wait *inFlight) {
	if len(wait.pendingAcks) == 0 {
		select {
		case <-wait.done:
		default:
			close(wait.done)
		}
	}
}

func (r *Replicator) recordHistoryLocked(apply types.Apply) {
	r.history = append(r.history, historyEntry{apply: apply})
	if len(r.history) > reconcileHistoryLimit {
		r.history = r.history[len(r.history)-reconcileHistoryLimit:]
	}
}

// Reconcile implements the hook spec section 9 calls out: replay every
// recorded Apply whose originator's vector-clock component exceeds the
// value the reconnecting peer reports having already seen for that site.
// This is the "log replay" option the spec leaves open, bounded by the
// in-memory history ring buffer rather than a full-state transfer.
func (r *Replicator) Reconcile(site types.SiteID, sinceVC map[types.SiteID]uint64) []types.Apply {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missed []types.Apply
	for _, h := range r.history {
		originatorSeen := sinceVC[h.apply.Originator]
		if h.apply.VectorClock[h.apply.Originator] > originatorSeen {
			missed = append(missed, h.apply)
		}
	}
	r.log.Infof("reconciling %s: replaying %d missed commands", site, len(missed))
	return missed
}
