package server

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proto"
)

// handleControl owns the connection from the Hello(port) request onwards:
// it allocates the public port, confirms it, pumps heartbeats, and tears
// the tunnel down when the channel dies.
func (s *Server) handleControl(f *proto.Framed, requested uint16) {
	remote := f.Conn().RemoteAddr().String()
	defer f.Conn().Close()

	ln, port, err := s.allocatePort(requested)
	if err != nil {
		obs.Error("control.allocate", obs.Fields{"requested": requested, "remote": remote, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("allocate").Inc()
		sendError(f, "port unavailable")
		return
	}
	t := &tunnel{port: port, ln: ln, ctrl: f}
	s.addTunnel(t)
	defer s.removeTunnel(t)

	if err := f.Send(proto.Hello(port)); err != nil {
		return
	}
	obs.Info("tunnel.open", obs.Fields{"port": port, "remote": remote})

	go s.servePublic(t)

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(f, done)

	for {
		m, err := f.RecvTimeout(s.cfg.InactivityTimeout)
		if err != nil {
			obs.Info("tunnel.closed", obs.Fields{"port": port, "err": err.Error()})
			return
		}
		switch m.Type {
		case proto.TypeHeartbeat:
			// Any received frame resets the inactivity deadline.
		case proto.TypeError:
			obs.Warn("control.peer_error", obs.Fields{"port": port, "message": m.Message})
			return
		default:
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			_ = f.Send(proto.Error("protocol"))
			return
		}
	}
}

func (s *Server) heartbeat(f *proto.Framed, done <-chan struct{}) {
	tick := time.NewTicker(s.cfg.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			if err := f.Send(proto.Heartbeat()); err != nil {
				return
			}
		}
	}
}

// allocatePort binds a public listener for the requested port, or for any
// free port in the configured range when requested is 0.
func (s *Server) allocatePort(requested uint16) (net.Listener, uint16, error) {
	if requested != 0 {
		if requested < s.cfg.MinPort || requested > s.cfg.MaxPort {
			return nil, 0, errors.New("requested port outside allowed range")
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindTunnels, strconv.Itoa(int(requested))))
		if err != nil {
			return nil, 0, err
		}
		return ln, requested, nil
	}
	span := int(s.cfg.MaxPort) - int(s.cfg.MinPort) + 1
	for i := 0; i < allocAttempts; i++ {
		port := uint16(int(s.cfg.MinPort) + rand.Intn(span))
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindTunnels, strconv.Itoa(int(port))))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, errors.New("no free port in range")
}
