// Package server implements the tunnel server: the control/data accept
// loop, port allocation, and the rendezvous between end-user connections
// and client dial-backs.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/auth"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proto"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proxy"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/ratelimit"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultHelloTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 500 * time.Millisecond
	defaultInactivityTimeout = 15 * time.Second
	defaultHandoffTimeout    = 10 * time.Second

	// Attempts at finding a free port for a Hello(0) request.
	allocAttempts = 150
)

// Config holds server runtime configuration.
type Config struct {
	BindAddr    string // control/data bind address
	BindTunnels string // public listener bind address, defaults to BindAddr
	ControlPort uint16
	MinPort     uint16
	MaxPort     uint16
	Auth        auth.ServerMode // nil means no authentication
	MetricsAddr string          // optional metrics/health listen address

	// Accept throttling for the control port; zero rates disable it.
	GlobalConnRate int
	ConnRate       int
	ConnBurst      int

	// Timeouts default to the protocol constants when zero.
	HandshakeTimeout  time.Duration
	HelloTimeout      time.Duration
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	HandoffTimeout    time.Duration
}

// Server owns the control listener, the tunnel table and the rendezvous
// registry.
type Server struct {
	cfg     Config
	reg     *registry
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	tunnels map[uint16]*tunnel
	spliced int64
	ready   bool
	closing bool
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Server, error) {
	if cfg.MaxPort == 0 {
		cfg.MaxPort = 65535
	}
	if cfg.MinPort > cfg.MaxPort {
		return nil, fmt.Errorf("port range [%d, %d] is empty", cfg.MinPort, cfg.MaxPort)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.BindTunnels == "" {
		cfg.BindTunnels = cfg.BindAddr
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = proto.DefaultControlPort
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.HandoffTimeout == 0 {
		cfg.HandoffTimeout = defaultHandoffTimeout
	}
	s := &Server{
		cfg:     cfg,
		reg:     newRegistry(),
		tunnels: make(map[uint16]*tunnel),
	}
	if cfg.GlobalConnRate > 0 || cfg.ConnRate > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.GlobalConnRate, cfg.ConnRate, cfg.ConnBurst)
	}
	return s, nil
}

// ListenAndServe binds the control listener and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(int(s.cfg.ControlPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control and data connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	if s.cfg.MetricsAddr != "" {
		go s.serveMetrics(s.cfg.MetricsAddr)
	}
	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}
	stop := context.AfterFunc(ctx, func() {
		s.setClosing(true)
		_ = ln.Close()
	})
	defer stop()
	s.setReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "min_port": s.cfg.MinPort, "max_port": s.cfg.MaxPort})

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				obs.Info("server.shutdown", obs.Fields{})
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		if s.limiter != nil {
			host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			if !s.limiter.Allow(host) {
				obs.ErrorsTotal.WithLabelValues("throttled").Inc()
				obs.Debug("accept.throttled", obs.Fields{"remote": c.RemoteAddr().String()})
				_ = c.Close()
				continue
			}
		}
		go s.handleConn(ctx, c)
	}
}

// handleConn classifies one accepted connection. With authentication
// configured the challenge/response runs first; the next frame then
// decides whether this is a control connection (Hello) or a data
// connection (Accept).
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer func() {
		// One misbehaving connection must not take the server down.
		if r := recover(); r != nil {
			obs.Error("conn.panic", obs.Fields{"panic": fmt.Sprint(r)})
			_ = c.Close()
		}
	}()
	remote := c.RemoteAddr().String()
	f := proto.NewFramed(c)
	if s.cfg.Auth != nil {
		nonce := newID()
		if err := f.Send(proto.Challenge(nonce)); err != nil {
			_ = c.Close()
			return
		}
		m, err := f.RecvTimeout(s.cfg.HandshakeTimeout)
		if err != nil {
			obs.Debug("handshake.read", obs.Fields{"remote": remote, "err": err.Error()})
			_ = c.Close()
			return
		}
		if m.Type != proto.TypeAuthenticate {
			obs.AuthFailuresTotal.WithLabelValues("no_credential").Inc()
			sendError(f, "authentication failed")
			return
		}
		if err := s.cfg.Auth.Verify(ctx, nonce, m.Reply); err != nil {
			// The reply may be a live credential; log only the remote.
			obs.Error("handshake.rejected", obs.Fields{"remote": remote, "reason": err.Error()})
			obs.AuthFailuresTotal.WithLabelValues("rejected").Inc()
			sendError(f, err.Error())
			return
		}
	}
	m, err := f.RecvTimeout(s.cfg.HelloTimeout)
	if err != nil {
		if errors.Is(err, proto.ErrInvalidFrame) || errors.Is(err, proto.ErrFrameTooLong) {
			obs.ErrorsTotal.WithLabelValues("protocol").Inc()
			sendError(f, "protocol")
			return
		}
		_ = c.Close()
		return
	}
	switch m.Type {
	case proto.TypeAccept:
		s.handleData(f, m.ID)
	case proto.TypeHello:
		s.handleControl(f, m.Port)
	default:
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		sendError(f, "protocol")
	}
}

// handleData splices a dial-back data connection with the end-user
// connection registered under id.
func (s *Server) handleData(f *proto.Framed, id string) {
	user := s.reg.claim(id)
	if user == nil {
		obs.Warn("data.unknown_id", obs.Fields{"id": id})
		obs.ErrorsTotal.WithLabelValues("unknown_id").Inc()
		sendError(f, "unknown id")
		return
	}
	s.mu.Lock()
	s.spliced++
	s.mu.Unlock()
	obs.ConnectionsTotal.Inc()
	obs.Info("tunnel.spliced", obs.Fields{"id": id})
	start := time.Now()
	proxy.Join(f.Conn(), f.Reader(), user, nil)
	obs.SpliceDurationSeconds.Observe(time.Since(start).Seconds())
}

func (s *Server) addTunnel(t *tunnel) {
	s.mu.Lock()
	s.tunnels[t.port] = t
	n := len(s.tunnels)
	s.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))
}

func (s *Server) removeTunnel(t *tunnel) {
	s.mu.Lock()
	delete(s.tunnels, t.port)
	n := len(s.tunnels)
	s.mu.Unlock()
	_ = t.ln.Close()
	drained := s.reg.drainPort(t.port)
	obs.ActiveTunnels.Set(float64(n))
	if drained > 0 {
		obs.Info("tunnel.drained", obs.Fields{"port": t.port, "pending": drained})
	}
}

// shutdown closes all tunnels and pending handoffs.
func (s *Server) shutdown() {
	s.mu.Lock()
	open := make([]*tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		open = append(open, t)
	}
	s.mu.Unlock()
	for _, t := range open {
		_ = t.ctrl.Conn().Close()
	}
}

func (s *Server) pruneLimiter(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.limiter.Prune(10 * time.Minute)
		}
	}
}

func (s *Server) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *Server) setClosing(v bool) {
	s.mu.Lock()
	s.closing = v
	s.mu.Unlock()
}

// newID returns a fresh 128-bit identifier, hex encoded.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// sendError delivers a final error frame and closes the connection. The
// write side is half-closed and the read side drained first, so a peer
// mid-write sees the frame instead of a reset.
func sendError(f *proto.Framed, msg string) {
	_ = f.Send(proto.Error(msg))
	c := f.Conn()
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.Copy(io.Discard, c)
	_ = c.Close()
}
