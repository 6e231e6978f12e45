package server

import (
	"net"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proto"
)

// tunnel is the server-side aggregate of one control connection, its
// public listener and the handoffs waiting in the registry under its port.
type tunnel struct {
	port uint16
	ln   net.Listener
	ctrl *proto.Framed
}

// servePublic accepts end-user connections on the tunnel's public port,
// registers each under a fresh id and asks the client to dial back. It
// returns when the listener is closed by the teardown path.
func (s *Server) servePublic(t *tunnel) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		id := newID()
		s.reg.add(id, conn, t.port, s.cfg.HandoffTimeout)
		obs.Debug("public.accepted", obs.Fields{"port": t.port, "id": id, "remote": conn.RemoteAddr().String()})
		if err := t.ctrl.Send(proto.Connection(id)); err != nil {
			// Control channel is gone; teardown drains the rest.
			if c := s.reg.claim(id); c != nil {
				_ = c.Close()
			}
			return
		}
	}
}
