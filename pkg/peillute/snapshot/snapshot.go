// Package snapshot implements the Chandy-Lamport distributed snapshot
// engine of spec section 4.7: an initiator marks every outbound channel,
// every site records its local state on first marker receipt and
// records in-flight traffic on every channel until that channel's own
// marker arrives, and fragments converge back on the initiator.
package snapshot

import (
	"sync"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Clock is the subset of clock.Clock the engine needs to stamp a local
// snapshot record.
type Clock interface {
	Snapshot() (lamport uint64, vector map[types.SiteID]uint64)
	Receive(lamport uint64, vector map[types.SiteID]uint64)
}

// Sender is the subset of the connection registry the engine needs.
type Sender interface {
	Send(site types.SiteID, msg types.Message) error
	Connected() []types.SiteID
}

// Persister writes a completed AggregatedSnapshot to stable storage,
// under a filename containing the snapshot id (spec section 4.7 step 4
// and section 6 "snapshot-<snapshot_id>.bin").
type Persister interface {
	Persist(snapshot types.AggregatedSnapshot) error
}

// run holds the in-progress state for a single snapshot_id. Runs for
// distinct snapshot ids are fully independent, so concurrent snapshots
// never corrupt each other's channel recordings (spec section 4.7
// "Multiple concurrent snapshots").
type run struct {
	mu sync.Mutex

	snapshotID string
	initiator  types.SiteID
	self       types.SiteID

	localRecorded bool
	local         types.Snapshot

	recording        map[types.SiteID]bool
	recordedChannels map[types.SiteID][]types.Message
	markersSeen      map[types.SiteID]bool
	expectedChannels int

	fragmentSent bool

	// Fields used only at the initiator, to aggregate fragments.
	fragments     map[types.SiteID]types.Snapshot
	expectedSites int
}

// Engine drives the protocol for one node.
type Engine struct {
	self   types.SiteID
	clock  Clock
	sender Sender
	ledger types.LocalLedger
	persist Persister
	log    types.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a snapshot engine for self.
func New(self types.SiteID, clock Clock, sender Sender, ledger types.LocalLedger, persist Persister, log types.Logger) *Engine {
	if log == nil {
		log = types.NopLogger{}
	}
	return &Engine{
		self:    self,
		clock:   clock,
		sender:  sender,
		ledger:  ledger,
		persist: persist,
		log:     log,
		runs:    make(map[string]*run),
	}
}

// Initiate starts a new snapshot as spec section 4.7 step 1 describes:
// record local state, send a marker on every outbound channel, and begin
// recording each of those channels' inbound traffic. knownSites is the
// full membership the initiator expects fragments back from, including
// itself.
func (e *Engine) Initiate(snapshotID string, knownSites []types.SiteID) error {
	connected := e.sender.Connected()

	r := &run{
		snapshotID:       snapshotID,
		initiator:        e.self,
		self:             e.self,
		recording:        make(map[types.SiteID]bool),
		recordedChannels: make(map[types.SiteID][]types.Message),
		markersSeen:      make(map[types.SiteID]bool),
		expectedChannels: len(connected),
		fragments:        make(map[types.SiteID]types.Snapshot),
		expectedSites:    len(knownSites),
	}
	r.recordLocal(e)

	e.mu.Lock()
	e.runs[snapshotID] = r
	e.mu.Unlock()

	for _, peer := range connected {
		r.mu.Lock()
		r.recording[peer] = true
		r.mu.Unlock()
		_ = e.sender.Send(peer, types.SnapshotMarker{SnapshotID: snapshotID, InitiatorSite: e.self, FromSite: e.self})
	}

	e.maybeFinishLocal(r)
	return nil
}

func (r *run) recordLocal(e *Engine) {
	lamport, vc := e.clock.Snapshot()
	dump, err := e.ledger.Dump()
	if err != nil {
		e.log.Errorf("snapshot %s: failed to dump ledger: %v", r.snapshotID, err)
	}
	r.local = types.Snapshot{
		SnapshotID:  r.snapshotID,
		SiteID:      e.self,
		Lamport:     lamport,
		VectorClock: vc,
		LedgerDump:  dump,
	}
	r.localRecorded = true
}

// HandleMarker processes an inbound SnapshotMarker on the channel from
// `from`, implementing steps 2 and 3 of spec section 4.7.
func (e *Engine) HandleMarker(from types.SiteID, msg types.SnapshotMarker) {
	e.mu.Lock()
	r, ok := e.runs[msg.SnapshotID]
	if !ok {
		r = &run{
			snapshotID:       msg.SnapshotID,
			initiator:        msg.InitiatorSite,
			self:             e.self,
			recording:        make(map[types.SiteID]bool),
			recordedChannels: make(map[types.SiteID][]types.Message),
			markersSeen:      make(map[types.SiteID]bool),
			fragments:        make(map[types.SiteID]types.Snapshot),
		}
		e.runs[msg.SnapshotID] = r
	}
	e.mu.Unlock()

	r.mu.Lock()
	firstReceipt := !r.localRecorded
	if firstReceipt {
		r.mu.Unlock()
		r.recordLocal(e)
		r.mu.Lock()

		connected := e.sender.Connected()
		r.expectedChannels = len(connected)
		r.recordedChannels[from] = []types.Message{}
		r.markersSeen[from] = true

		// Every outbound channel gets a marker, including the one back to
		// `from`: that peer's own run waits for a marker on it. Only the
		// other inbound channels start recording; `from`'s stays empty.
		var toMark []types.SiteID
		for _, peer := range connected {
			toMark = append(toMark, peer)
			if peer != from {
				r.recording[peer] = true
			}
		}
		r.mu.Unlock()

		for _, peer := range toMark {
			_ = e.sender.Send(peer, types.SnapshotMarker{SnapshotID: msg.SnapshotID, InitiatorSite: r.initiator, FromSite: e.self})
		}
	} else {
		r.recording[from] = false
		r.markersSeen[from] = true
		r.mu.Unlock()
	}

	e.maybeFinishLocal(r)
}

// RecordIfActive appends an inbound non-marker message to every run
// currently recording the channel it arrived on. The orchestrator calls
// this for every inbound message before routing it onward, so markers
// themselves must never be passed here.
func (e *Engine) RecordIfActive(from types.SiteID, msg types.Message) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if r.recording[from] {
			r.recordedChannels[from] = append(r.recordedChannels[from], msg)
		}
		r.mu.Unlock()
	}
}

// maybeFinishLocal ships this site's fragment to the initiator once a
// marker has arrived on every channel that was open when local state was
// recorded (spec section 4.7 step 4).
func (e *Engine) maybeFinishLocal(r *run) {
	r.mu.Lock()
	done := r.localRecorded && len(r.markersSeen) >= r.expectedChannels
	if !done || r.fragmentSent {
		r.mu.Unlock()
		return
	}
	snap := types.Snapshot{
		SnapshotID:       r.snapshotID,
		SiteID:           e.self,
		Lamport:          r.local.Lamport,
		VectorClock:      r.local.VectorClock,
		LedgerDump:       r.local.LedgerDump,
		RecordedChannels: cloneChannels(r.recordedChannels),
	}
	r.fragmentSent = true
	r.mu.Unlock()

	if e.self == r.initiator {
		e.HandleFragment(types.SnapshotFragment{SnapshotID: snap.SnapshotID, SiteID: e.self, Payload: nil}, &snap)
		return
	}
	payload, err := EncodeFragmentPayload(snap)
	if err != nil {
		e.log.Errorf("snapshot %s: failed to encode fragment: %v", r.snapshotID, err)
		return
	}
	_ = e.sender.Send(r.initiator, types.SnapshotFragment{SnapshotID: snap.SnapshotID, SiteID: e.self, Payload: payload})
}

func cloneChannels(in map[types.SiteID][]types.Message) map[types.SiteID][]types.Message {
	out := make(map[types.SiteID][]types.Message, len(in))
	for k, v := range in {
		out[k] = append([]types.Message(nil), v...)
	}
	return out
}

// HandleFragment is called at the initiator when a SnapshotFragment
// arrives (or, for the initiator's own fragment, directly from
// maybeFinishLocal). Once every expected site has reported in, the
// aggregated snapshot is persisted.
func (e *Engine) HandleFragment(msg types.SnapshotFragment, local *types.Snapshot) {
	e.mu.Lock()
	r, ok := e.runs[msg.SnapshotID]
	e.mu.Unlock()
	if !ok {
		e.log.Warnf("snapshot fragment for unknown snapshot %s from %s", msg.SnapshotID, msg.SiteID)
		return
	}

	var snap types.Snapshot
	if local != nil {
		snap = *local
	} else {
		decoded, err := DecodeFragmentPayload(msg.Payload)
		if err != nil {
			e.log.Errorf("snapshot %s: failed to decode fragment from %s: %v", msg.SnapshotID, msg.SiteID, err)
			return
		}
		snap = decoded
	}

	r.mu.Lock()
	r.fragments[msg.SiteID] = snap
	complete := r.expectedSites > 0 && len(r.fragments) >= r.expectedSites
	var aggregated types.AggregatedSnapshot
	if complete {
		aggregated = types.AggregatedSnapshot{
			SnapshotID: r.snapshotID,
			Initiator:  r.initiator,
			Fragments:  cloneFragments(r.fragments),
		}
	}
	r.mu.Unlock()

	if complete && e.persist != nil {
		if err := e.persist.Persist(aggregated); err != nil {
			e.log.Errorf("snapshot %s: failed to persist: %v", r.snapshotID, err)
		}
	}
}

func cloneFragments(in map[types.SiteID]types.Snapshot) map[types.SiteID]types.Snapshot {
	out := make(map[types.SiteID]types.Snapshot, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
