// Package discovery adds an optional LAN multicast announce mechanism
// on top of the required seed-list bootstrap of spec section 4.3. It is
// a convenience for same-subnet deployments only: a node that never
// receives an announce (or is on a different L2 segment) still
// converges via the seed list exactly as spec section 4.3 describes, so
// this package is never load-bearing for correctness.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jabolina/relt/pkg/relt"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Learner receives peers this announcer discovers on the multicast
// group, feeding them into the membership service's normal
// merge-and-dial path.
type Learner interface {
	LearnPeers(peers []types.Peer)
}

// announcement is the payload broadcast on the multicast group: just
// enough for a listener to dial in and let the regular Hello handshake
// take over from there.
type announcement struct {
	SiteID     types.SiteID
	ListenAddr string
}

// Announcer periodically broadcasts this node's own identity on a relt
// group address and feeds whatever it hears back from other nodes into
// a Learner.
type Announcer struct {
	self     types.SiteID
	addr     string
	group    string
	interval time.Duration
	learner  Learner
	log      types.Logger

	relt *relt.Relt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Announcer for the given multicast group name. group is
// typically derived from a deployment-wide identifier shared by every
// node expected to discover each other on the LAN (it plays the role
// the teacher's partition exchange address plays for a group of
// cooperating processes).
func New(self types.SiteID, listenAddr string, group string, interval time.Duration, learner Learner, log types.Logger) (*Announcer, error) {
	if log == nil {
		log = types.NopLogger{}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	conf := relt.DefaultReltConfiguration()
	conf.Name = string(self)
	conf.Exchange = relt.GroupAddress(group)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Announcer{
		self:     self,
		addr:     listenAddr,
		group:    group,
		interval: interval,
		learner:  learner,
		log:      log,
		relt:     r,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins periodic announcing and begins consuming announces from
// other nodes on the same group.
func (a *Announcer) Start() error {
	listener, err := a.relt.Consume()
	if err != nil {
		return err
	}
	a.wg.Add(2)
	go a.announceLoop()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case recv, ok := <-listener:
				if !ok {
					return
				}
				a.handle(recv.Data, recv.Error)
			}
		}
	}()
	return nil
}

// Stop cancels both background loops and closes the underlying
// transport.
func (a *Announcer) Stop() {
	a.cancel()
	if err := a.relt.Close(); err != nil {
		a.log.Errorf("discovery: failed closing relt transport: %v", err)
	}
	a.wg.Wait()
}

func (a *Announcer) announceLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.announce()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	data, err := json.Marshal(announcement{SiteID: a.self, ListenAddr: a.addr})
	if err != nil {
		a.log.Errorf("discovery: failed marshalling announcement: %v", err)
		return
	}
	send := relt.Send{Address: relt.GroupAddress(a.group), Data: data}
	if err := a.relt.Broadcast(a.ctx, send); err != nil {
		a.log.Debugf("discovery: broadcast failed: %v", err)
	}
}

func (a *Announcer) handle(data []byte, recvErr error) {
	if recvErr != nil {
		a.log.Debugf("discovery: receive error: %v", recvErr)
		return
	}
	var ann announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		a.log.Debugf("discovery: malformed announcement: %v", err)
		return
	}
	if ann.SiteID == a.self {
		return
	}
	a.learner.LearnPeers([]types.Peer{{SiteID: ann.SiteID, ListenAddr: ann.ListenAddr}})
}
