// Package membership implements the membership/discovery service of
// spec section 4.3: from a possibly incomplete seed list, converge to a
// complete view of the connected component by exchanging Hello and
// NeighborAnnounce gossip over the connections the registry holds.
package membership

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lrnzcig/peillute/pkg/peillute/codec"
	"github.com/lrnzcig/peillute/pkg/peillute/registry"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Registry is the subset of registry.Registry the service drives. It is
// spelled out as an interface, rather than depending on *registry.Registry
// directly, only so tests can substitute a fake; the parameter type has
// to match registry.Conn exactly for *registry.Registry to satisfy it.
type Registry interface {
	Insert(localSite types.SiteID, site types.SiteID, conn registry.Conn) bool
	Remove(site types.SiteID)
	Has(site types.SiteID) bool
	Connected() []types.SiteID
	Send(site types.SiteID, msg types.Message) error
}

// Dialer abstracts outbound connection establishment so tests can plug
// in an in-memory transport instead of real TCP.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

type netDialer struct {
	timeout time.Duration
}

// Dial implements Dialer using the standard library's TCP dialer.
func (d netDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// NewNetDialer returns a Dialer backed by real TCP connections.
func NewNetDialer(timeout time.Duration) Dialer {
	return netDialer{timeout: timeout}
}

// Router receives fully decoded inbound messages from any connection the
// service establishes, for the orchestrator to dispatch onward (lock
// requests, applies, snapshot traffic all flow over the same connections
// membership opens).
type Router interface {
	RouteInbound(from types.SiteID, msg types.Message)
	HandleDisconnect(site types.SiteID)

	// HandleHello is called once per connection, right after the Hello
	// handshake completes, carrying the vector clock the peer announced.
	// It lets the orchestrator replay any Apply messages the peer missed
	// while disconnected (spec section 9's reconciliation hook).
	HandleHello(site types.SiteID, hello types.Hello)
}

// Service runs the protocol of spec section 4.3 for one node: it binds a
// listener, dials every seed, performs the Hello handshake, merges
// announced neighbors, dials newly learned peers, and gossips
// NeighborAnnounce on every tick of the gossip interval. A change in
// KnownPeers is not announced until the next tick.
type Service struct {
	self       types.SiteID
	listenAddr string
	reg        Registry
	dialer     Dialer
	router     Router
	log        types.Logger

	// vectorClock, when set, supplies the vector clock advertised in this
	// node's outgoing Hello frames.
	vectorClock func() map[types.SiteID]uint64

	gossipInterval time.Duration

	mu         sync.Mutex
	knownPeers map[types.SiteID]types.Peer
	dialed     map[types.SiteID]bool

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a membership service. listenAddr is the address this node
// binds; its own Hello advertises the address actually bound (see Addr).
func New(self types.SiteID, listenAddr string, reg Registry, dialer Dialer, router Router, log types.Logger, gossipInterval time.Duration) *Service {
	if log == nil {
		log = types.NopLogger{}
	}
	if gossipInterval <= 0 {
		gossipInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		self:           self,
		listenAddr:     listenAddr,
		reg:            reg,
		dialer:         dialer,
		router:         router,
		log:            log,
		gossipInterval: gossipInterval,
		knownPeers:     make(map[types.SiteID]types.Peer),
		dialed:         make(map[types.SiteID]bool),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start binds the listener, dials every seed address, and begins the
// periodic gossip wave. It returns once the listener is bound; dialing
// and serving happen in background goroutines.
func (s *Service) Start(seeds []string) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ln)

	for _, addr := range seeds {
		addr := addr
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dialSeed(addr)
		}()
	}

	s.wg.Add(1)
	go s.gossipLoop()

	return nil
}

// Stop closes the listener and every connection this service knows
// about and waits for its background goroutines to exit.
func (s *Service) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Service) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warnf("accept failed: %v", err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn, false)
		}()
	}
}

func (s *Service) dialSeed(addr string) {
	conn, err := s.dialer.Dial(s.ctx, addr)
	if err != nil {
		s.log.Warnf("dial seed %s failed: %v", addr, err)
		return
	}
	s.serve(conn, true)
}

// dialPeer opens an outbound connection to a newly learned peer (step
// 2d of spec section 4.3) and performs the same handshake a seed dial
// does.
func (s *Service) dialPeer(peer types.Peer) {
	s.mu.Lock()
	if s.dialed[peer.SiteID] || s.reg.Has(peer.SiteID) {
		s.mu.Unlock()
		return
	}
	s.dialed[peer.SiteID] = true
	s.mu.Unlock()

	conn, err := s.dialer.Dial(s.ctx, peer.ListenAddr)
	if err != nil {
		s.log.Warnf("dial %s at %s failed: %v", peer.SiteID, peer.ListenAddr, err)
		return
	}
	s.serve(conn, true)
}

// serve drives the handshake for one connection and then loops reading
// frames until it closes, dispatching each to the router. initiated is
// true if this side opened the connection (so it must send Hello first;
// an inbound connection waits for the peer's Hello and replies).
func (s *Service) serve(conn net.Conn, initiated bool) {
	if initiated {
		if err := s.sendHello(conn); err != nil {
			s.log.Warnf("failed sending hello: %v", err)
			_ = conn.Close()
			return
		}
	}

	msg, err := codec.ReadMessage(conn)
	if err != nil {
		s.log.Warnf("failed reading hello: %v", err)
		_ = conn.Close()
		return
	}
	hello, ok := msg.(types.Hello)
	if !ok {
		s.log.Warnf("expected hello as first frame, got %T", msg)
		_ = conn.Close()
		return
	}

	if hello.SiteID == s.self {
		s.log.Warnf("detected self-dial, closing")
		_ = conn.Close()
		return
	}

	if !initiated {
		if err := s.sendHello(conn); err != nil {
			s.log.Warnf("failed replying hello to %s: %v", hello.SiteID, err)
			_ = conn.Close()
			return
		}
	}

	if !s.reg.Insert(s.self, hello.SiteID, conn) {
		// Lost the tie-break: the registry already closed this
		// connection and kept the other one.
		return
	}

	s.mergeAndDial(hello.Neighbors)
	s.learn(types.Peer{SiteID: hello.SiteID, ListenAddr: hello.ListenAddr})
	s.router.HandleHello(hello.SiteID, hello)

	s.readLoop(conn, hello.SiteID)
}

func (s *Service) sendHello(conn net.Conn) error {
	var vc map[types.SiteID]uint64
	if s.vectorClock != nil {
		vc = s.vectorClock()
	}
	return codec.WriteMessage(conn, types.Hello{
		SiteID:      s.self,
		ListenAddr:  s.Addr(),
		Neighbors:   s.snapshotPeers(),
		VectorClock: vc,
	})
}

func (s *Service) readLoop(conn net.Conn, site types.SiteID) {
	defer func() {
		s.reg.Remove(site)
		_ = conn.Close()
		s.router.HandleDisconnect(site)
	}()
	for {
		msg, err := codec.ReadMessage(conn)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case types.NeighborAnnounce:
			s.mergeAndDial(m.Neighbors)
		default:
			s.router.RouteInbound(site, msg)
		}
	}
}

// mergeAndDial merges newly announced peers into KnownPeers and opens
// connections to any that are not already connected or being dialed
// (spec section 4.3 steps 2c/2d and 3).
func (s *Service) mergeAndDial(peers []types.Peer) {
	var toDial []types.Peer
	s.mu.Lock()
	for _, p := range peers {
		if p.SiteID == s.self {
			continue
		}
		if _, known := s.knownPeers[p.SiteID]; !known {
			s.knownPeers[p.SiteID] = p
		}
		if !s.reg.Has(p.SiteID) && !s.dialed[p.SiteID] {
			toDial = append(toDial, p)
		}
	}
	s.mu.Unlock()

	for _, p := range toDial {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dialPeer(p)
		}()
	}
}

func (s *Service) learn(p types.Peer) {
	s.mu.Lock()
	s.knownPeers[p.SiteID] = p
	s.mu.Unlock()
}

func (s *Service) snapshotPeers() []types.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Peer, 0, len(s.knownPeers))
	for _, p := range s.knownPeers {
		out = append(out, p)
	}
	return out
}

// gossipLoop periodically broadcasts NeighborAnnounce to every current
// connection (spec section 4.3 step 3). This is the wave-discovery
// mechanism: it naturally quiesces once no announce carries a peer
// anyone doesn't already know.
func (s *Service) gossipLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.gossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	msg := types.NeighborAnnounce{SiteID: s.self, Neighbors: s.snapshotPeers()}
	for _, site := range s.reg.Connected() {
		if err := s.reg.Send(site, msg); err != nil {
			s.log.Debugf("announce to %s failed: %v", site, err)
		}
	}
}

// SetVectorClockProvider registers the function used to fill outgoing
// Hello frames' VectorClock. Without one, Hello advertises no clock
// state and the reconciliation hook has nothing to replay against.
func (s *Service) SetVectorClockProvider(fn func() map[types.SiteID]uint64) {
	s.vectorClock = fn
}

// LearnPeers feeds externally discovered peers (e.g. from a LAN
// multicast announce) into the same merge-and-dial path used for
// Hello/NeighborAnnounce gossip.
func (s *Service) LearnPeers(peers []types.Peer) {
	s.mergeAndDial(peers)
}

// Addr returns the address the listener actually bound to, which may
// differ from the configured listenAddr when it specifies port 0.
func (s *Service) Addr() string {
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// KnownPeers returns a snapshot of every peer this node has ever
// learned about, connected or not (spec section 4.3 step 4: disconnect
// does not shrink KnownPeers).
func (s *Service) KnownPeers() []types.Peer {
	return s.snapshotPeers()
}
