package server

import (
	"net"
	"sync"
	"time"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
)

// pending tracks an accepted end-user connection waiting for the client's
// dial-back.
type pending struct {
	conn    net.Conn
	port    uint16
	created time.Time
	timer   *time.Timer
}

// registry is the process-wide rendezvous table mapping handoff ids to
// waiting end-user connections. Entries are consumed at most once: claim,
// expiry and drain all remove under the same lock.
type registry struct {
	mu      sync.Mutex
	entries map[string]*pending
	expired int64
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*pending)}
}

// add registers conn under id and arms the handoff deadline.
func (r *registry) add(id string, conn net.Conn, port uint16, ttl time.Duration) {
	p := &pending{conn: conn, port: port, created: time.Now()}
	r.mu.Lock()
	r.entries[id] = p
	p.timer = time.AfterFunc(ttl, func() { r.expire(id) })
	n := len(r.entries)
	r.mu.Unlock()
	obs.PendingHandoffs.Set(float64(n))
}

// claim removes and returns the connection for id, or nil if the id is
// unknown, already claimed, or expired.
func (r *registry) claim(id string) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.entries[id]
	if p == nil {
		return nil
	}
	delete(r.entries, id)
	p.timer.Stop()
	obs.PendingHandoffs.Set(float64(len(r.entries)))
	return p.conn
}

func (r *registry) expire(id string) {
	r.mu.Lock()
	p := r.entries[id]
	if p == nil {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	r.expired++
	n := len(r.entries)
	r.mu.Unlock()
	_ = p.conn.Close()
	obs.PendingHandoffs.Set(float64(n))
	obs.HandoffExpiredTotal.Inc()
	obs.Info("handoff.expired", obs.Fields{"id": id})
}

// drainPort closes every pending entry belonging to port. Called when the
// owning control connection goes away.
func (r *registry) drainPort(port uint16) int {
	var drained []*pending
	r.mu.Lock()
	for id, p := range r.entries {
		if p.port == port {
			p.timer.Stop()
			drained = append(drained, p)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()
	for _, p := range drained {
		_ = p.conn.Close()
	}
	obs.PendingHandoffs.Set(float64(n))
	return len(drained)
}

func (r *registry) stats() (pendingCount int, expired int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries), r.expired
}
