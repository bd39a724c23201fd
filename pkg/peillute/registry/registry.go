// Package registry implements the connection registry of spec section
// 4.2: the mapping from site id to an open connection, with the
// duplicate-dial tie-break and per-connection FIFO send ordering every
// protocol above it relies on.
package registry

import (
	"io"
	"sync"

	"github.com/lrnzcig/peillute/pkg/peillute/codec"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Conn is the minimal transport surface the registry needs: something to
// write frames to and close. Production code plugs in a *net.TCPConn;
// tests plug in an in-memory pipe.
type Conn interface {
	io.Writer
	io.Closer
}

// entry pairs a connection with the send mutex that serializes writes to
// it and so preserves FIFO channel semantics (spec section 4.2 and section
// 5 "per-peer channel is FIFO end-to-end").
type entry struct {
	conn    Conn
	sendMu  sync.Mutex
}

// Registry maintains site_id -> connection and serializes sends per
// connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.SiteID]*entry
	log     types.Logger
}

// New creates an empty registry.
func New(log types.Logger) *Registry {
	if log == nil {
		log = types.NopLogger{}
	}
	return &Registry{entries: make(map[types.SiteID]*entry), log: log}
}

// Insert registers a connection for site. On a collision (two connection
// attempts racing for the same site id, spec section 4.3 "Simultaneous
// dial") the lexicographically smaller site id wins: if the local site
// id is smaller than the colliding remote's, the new connection loses and
// is closed; otherwise the existing one is replaced.
//
// localSite is the id of the node running this registry, used only to
// break the tie when both ends of a pair could plausibly call Insert for
// the same remote.
func (r *Registry) Insert(localSite types.SiteID, site types.SiteID, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[site]
	if !ok {
		r.entries[site] = &entry{conn: conn}
		return true
	}

	if localSite.Less(site) {
		// Local site is the lexicographically smaller id: it keeps the
		// connection it already holds and the new one loses the race.
		_ = conn.Close()
		return false
	}

	// Local site loses the tie-break: drop the old connection, keep the
	// new one.
	_ = existing.conn.Close()
	r.entries[site] = &entry{conn: conn}
	return true
}

// Remove drops a connection from the registry, e.g. after it closes.
func (r *Registry) Remove(site types.SiteID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, site)
}

// Has reports whether a connection for site is currently registered.
func (r *Registry) Has(site types.SiteID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[site]
	return ok
}

// Connected returns the set of site ids currently registered.
func (r *Registry) Connected() []types.SiteID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sites := make([]types.SiteID, 0, len(r.entries))
	for site := range r.entries {
		sites = append(sites, site)
	}
	return sites
}

// Send delivers msg to site's connection, serialized against any other
// concurrent send to the same connection. Returns ErrPeerUnreachable if
// no connection for site is registered.
func (r *Registry) Send(site types.SiteID, msg types.Message) error {
	r.mu.RLock()
	e, ok := r.entries[site]
	r.mu.RUnlock()
	if !ok {
		return types.ErrPeerUnreachable
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := codec.WriteMessage(e.conn, msg); err != nil {
		r.log.Warnf("send to %s failed, dropping connection: %v", site, err)
		r.Remove(site)
		_ = e.conn.Close()
		return err
	}
	return nil
}

// Broadcast sends msg to every currently registered connection,
// best-effort, and returns the set of site ids it was successfully
// enqueued to.
func (r *Registry) Broadcast(msg types.Message) []types.SiteID {
	var delivered []types.SiteID
	for _, site := range r.Connected() {
		if err := r.Send(site, msg); err == nil {
			delivered = append(delivered, site)
		}
	}
	return delivered
}

// Close closes every registered connection and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for site, e := range r.entries {
		_ = e.conn.Close()
		delete(r.entries, site)
	}
}
