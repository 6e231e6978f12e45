// Package client implements the local side of the tunnel: the control
// connection to the server and the dial-back path that splices data
// connections to the local service.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/auth"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/obs"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proto"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proxy"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultHelloTimeout      = 10 * time.Second
	defaultInactivityTimeout = 15 * time.Second
)

// Config holds client runtime configuration.
type Config struct {
	LocalHost   string // local service host, defaults to localhost
	LocalPort   uint16 // local service port
	To          string // server host
	ControlPort uint16 // server control/data port, defaults to 7835
	Port        uint16 // requested public port, 0 lets the server choose
	Auth        auth.ClientMode

	DialTimeout       time.Duration
	HelloTimeout      time.Duration
	InactivityTimeout time.Duration
}

// Client is a connected tunnel client.
type Client struct {
	cfg        Config
	f          *proto.Framed
	remotePort uint16
}

// New dials the server, authenticates, and requests a public port. The
// returned client holds an open control connection.
func New(cfg Config) (*Client, error) {
	if cfg.LocalHost == "" {
		cfg.LocalHost = "localhost"
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = proto.DefaultControlPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HelloTimeout == 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}

	conn, err := dialServer(cfg)
	if err != nil {
		return nil, err
	}
	f := proto.NewFramed(conn)
	if cfg.Auth != nil {
		if err := answerChallenge(f, cfg); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := f.Send(proto.Hello(cfg.Port)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	m, err := f.RecvTimeout(cfg.HelloTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("waiting for hello reply: %w", err)
	}
	switch m.Type {
	case proto.TypeHello:
		obs.Info("client.connected", obs.Fields{"to": cfg.To, "remote_port": m.Port})
		return &Client{cfg: cfg, f: f, remotePort: m.Port}, nil
	case proto.TypeError:
		_ = conn.Close()
		return nil, fmt.Errorf("server error: %s", m.Message)
	case proto.TypeChallenge:
		_ = conn.Close()
		return nil, errors.New("server requires authentication, but no secret or API key was configured")
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected %s message instead of hello", m.Type)
	}
}

// RemotePort returns the public port bound on the server.
func (c *Client) RemotePort() uint16 { return c.remotePort }

// Run pumps the control channel until the server closes it, the channel
// goes silent past the inactivity timeout, or ctx is canceled. A nil
// return means a clean, caller-requested disconnect.
func (c *Client) Run(ctx context.Context) error {
	defer c.f.Conn().Close()
	stop := context.AfterFunc(ctx, func() { _ = c.f.Conn().Close() })
	defer stop()

	for {
		m, err := c.f.RecvTimeout(c.cfg.InactivityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("control channel silent for %s, server presumed dead", c.cfg.InactivityTimeout)
			}
			return fmt.Errorf("control channel closed: %w", err)
		}
		switch m.Type {
		case proto.TypeHeartbeat:
			// Echo it back; the server measures liveness on received
			// frames, just as we do.
			_ = c.f.Send(proto.Heartbeat())
		case proto.TypeConnection:
			go c.handleConnection(m.ID)
		case proto.TypeError:
			return fmt.Errorf("server error: %s", m.Message)
		default:
			obs.Warn("client.unexpected_frame", obs.Fields{"type": string(m.Type)})
		}
	}
}

// handleConnection dials back to the server, claims the handoff, and
// splices the data connection with a fresh connection to the local
// service. Failures close both sides but never the control channel.
func (c *Client) handleConnection(id string) {
	remote, err := dialServer(c.cfg)
	if err != nil {
		obs.Error("dial.server", obs.Fields{"id": id, "err": err.Error()})
		return
	}
	rf := proto.NewFramed(remote)
	if c.cfg.Auth != nil {
		if err := answerChallenge(rf, c.cfg); err != nil {
			obs.Error("data.handshake", obs.Fields{"id": id, "err": err.Error()})
			_ = remote.Close()
			return
		}
	}
	if err := rf.Send(proto.Accept(id)); err != nil {
		obs.Error("data.accept", obs.Fields{"id": id, "err": err.Error()})
		_ = remote.Close()
		return
	}
	localAddr := net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(int(c.cfg.LocalPort)))
	local, err := net.DialTimeout("tcp", localAddr, c.cfg.DialTimeout)
	if err != nil {
		obs.Error("dial.local", obs.Fields{"id": id, "addr": localAddr, "err": err.Error()})
		_ = remote.Close()
		return
	}
	obs.Debug("connection.spliced", obs.Fields{"id": id})
	proxy.Join(remote, rf.Reader(), local, nil)
}

// answerChallenge waits for the server's challenge and answers it with
// the configured credential.
func answerChallenge(f *proto.Framed, cfg Config) error {
	m, err := f.RecvTimeout(cfg.HelloTimeout)
	if err != nil {
		return fmt.Errorf("waiting for challenge: %w", err)
	}
	switch m.Type {
	case proto.TypeChallenge:
	case proto.TypeError:
		return fmt.Errorf("server error: %s", m.Message)
	default:
		return fmt.Errorf("unexpected %s message instead of challenge", m.Type)
	}
	reply, err := cfg.Auth.Answer(m.Nonce)
	if err != nil {
		return err
	}
	return f.Send(proto.Authenticate(reply))
}

func dialServer(cfg Config) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.To, strconv.Itoa(int(cfg.ControlPort)))
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	return conn, nil
}
