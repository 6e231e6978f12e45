package server_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/auth"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/client"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/proto"
	"github.com/himanshkukreja/nativebridge-bore-tunnel/internal/server"
)

// startServer runs a server on an ephemeral control port and returns it.
func startServer(t *testing.T, cfg server.Config) uint16 {
	t.Helper()
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	if cfg.BindTunnels == "" {
		cfg.BindTunnels = "127.0.0.1"
	}
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEcho runs a TCP echo service and returns its port.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.(*net.TCPConn).CloseWrite()
			}(c)
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startClient connects a client and pumps its control loop for the test.
func startClient(t *testing.T, cfg client.Config) *client.Client {
	t.Helper()
	cl, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cl.Run(ctx) }()
	return cl
}

// checkEcho verifies byte transparency and half-close propagation through
// the tunnel at the given public port.
func checkEcho(t *testing.T, port uint16) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(int(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("PING\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "PING\n" {
		t.Fatalf("expected PING echoed back, got %q", line)
	}
	_ = conn.(*net.TCPConn).CloseWrite()
	if _, err := rd.ReadByte(); err != io.EOF {
		t.Errorf("expected EOF after half-close, got %v", err)
	}
}

func TestHMACRequestedPort(t *testing.T) {
	echoPort := startEcho(t)
	ctrl := startServer(t, server.Config{
		MinPort: 15000,
		MaxPort: 16000,
		Auth:    auth.ServerHMAC("s3cr3t"),
	})
	cl := startClient(t, client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Port:        15050,
		Auth:        auth.ClientHMAC("s3cr3t"),
	})
	if cl.RemotePort() != 15050 {
		t.Fatalf("expected port 15050, got %d", cl.RemotePort())
	}
	checkEcho(t, cl.RemotePort())
}

func TestServerChoosesPort(t *testing.T) {
	echoPort := startEcho(t)
	ctrl := startServer(t, server.Config{MinPort: 16100, MaxPort: 16900})
	cl := startClient(t, client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
	})
	if p := cl.RemotePort(); p < 16100 || p > 16900 {
		t.Fatalf("expected port in [16100, 16900], got %d", p)
	}
	checkEcho(t, cl.RemotePort())
}

func TestWrongSecretRejected(t *testing.T) {
	ctrl := startServer(t, server.Config{Auth: auth.ServerHMAC("s3cr3t")})
	_, err := client.New(client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   1,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Auth:        auth.ClientHMAC("wrong"),
	})
	if err == nil || !strings.Contains(err.Error(), "invalid secret") {
		t.Fatalf("expected invalid secret error, got %v", err)
	}
}

func TestMissingCredentialRejected(t *testing.T) {
	ctrl := startServer(t, server.Config{Auth: auth.ServerHMAC("s3cr3t")})
	_, err := client.New(client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   1,
		To:          "127.0.0.1",
		ControlPort: ctrl,
	})
	if err == nil || !strings.Contains(err.Error(), "authentication") {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestRequestedPortOutOfRange(t *testing.T) {
	ctrl := startServer(t, server.Config{MinPort: 15000, MaxPort: 15010})
	_, err := client.New(client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   1,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Port:        20000,
	})
	if err == nil || !strings.Contains(err.Error(), "port unavailable") {
		t.Fatalf("expected port unavailable error, got %v", err)
	}
}

func TestPortCollision(t *testing.T) {
	echoPort := startEcho(t)
	ctrl := startServer(t, server.Config{MinPort: 17000, MaxPort: 18000})
	first := startClient(t, client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Port:        17050,
	})
	_, err := client.New(client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Port:        17050,
	})
	if err == nil || !strings.Contains(err.Error(), "port unavailable") {
		t.Fatalf("expected port unavailable for second claim, got %v", err)
	}
	// The first tunnel keeps serving.
	checkEcho(t, first.RemotePort())
}

func TestBearerAuth(t *testing.T) {
	validator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-A" {
			_, _ = w.Write([]byte(`{"valid":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"valid":false}`))
	}))
	defer validator.Close()

	echoPort := startEcho(t)
	ctrl := startServer(t, server.Config{
		MinPort: 18100,
		MaxPort: 18900,
		Auth:    auth.ServerBearer(validator.URL),
	})

	cl := startClient(t, client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Auth:        auth.ClientBearer("tok-A"),
	})
	checkEcho(t, cl.RemotePort())

	_, err := client.New(client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Auth:        auth.ClientBearer("tok-B"),
	})
	if err == nil || !strings.Contains(err.Error(), "invalid credential") {
		t.Fatalf("expected invalid credential error, got %v", err)
	}

	// The server keeps accepting after a rejection.
	second := startClient(t, client.Config{
		LocalHost:   "127.0.0.1",
		LocalPort:   echoPort,
		To:          "127.0.0.1",
		ControlPort: ctrl,
		Auth:        auth.ClientBearer("tok-A"),
	})
	checkEcho(t, second.RemotePort())
}

func TestUnknownIDRejected(t *testing.T) {
	ctrl := startServer(t, server.Config{})
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(ctrl)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	f := proto.NewFramed(conn)
	if err := f.Send(proto.Accept("00112233445566778899aabbccddeeff")); err != nil {
		t.Fatalf("send accept: %v", err)
	}
	m, err := f.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if m.Type != proto.TypeError || m.Message != "unknown id" {
		t.Fatalf("expected unknown id error, got %+v", m)
	}
}

func TestHandoffExpiry(t *testing.T) {
	ctrl := startServer(t, server.Config{
		MinPort:        19100,
		MaxPort:        19900,
		HandoffTimeout: 300 * time.Millisecond,
	})

	// A bare control connection that never dials back.
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(ctrl)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	f := proto.NewFramed(conn)
	if err := f.Send(proto.Hello(0)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	m, err := f.RecvTimeout(2 * time.Second)
	if err != nil || m.Type != proto.TypeHello {
		t.Fatalf("expected hello reply, got %+v err %v", m, err)
	}
	publicPort := m.Port

	user, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(publicPort)))
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer user.Close()

	// Capture the connection offer without answering it.
	var id string
	for {
		m, err := f.RecvTimeout(2 * time.Second)
		if err != nil {
			t.Fatalf("recv on control: %v", err)
		}
		if m.Type == proto.TypeConnection {
			id = m.ID
			break
		}
	}

	// The end-user socket must be closed once the handoff expires.
	_ = user.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := user.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected end-user socket to be closed after handoff expiry")
	}

	// A stale dial-back is turned away.
	data, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(ctrl)))
	if err != nil {
		t.Fatalf("dial data: %v", err)
	}
	defer data.Close()
	df := proto.NewFramed(data)
	if err := df.Send(proto.Accept(id)); err != nil {
		t.Fatalf("send accept: %v", err)
	}
	dm, err := df.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if dm.Type != proto.TypeError || dm.Message != "unknown id" {
		t.Fatalf("expected unknown id for stale handoff, got %+v", dm)
	}
}

func TestInactivityReleasesPort(t *testing.T) {
	ctrl := startServer(t, server.Config{
		MinPort:           21100,
		MaxPort:           21900,
		InactivityTimeout: 300 * time.Millisecond,
		HeartbeatInterval: 100 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(ctrl)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	f := proto.NewFramed(conn)
	if err := f.Send(proto.Hello(21500)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	m, err := f.RecvTimeout(2 * time.Second)
	if err != nil || m.Type != proto.TypeHello {
		t.Fatalf("expected hello reply, got %+v err %v", m, err)
	}

	// Go silent; the server must tear the tunnel down and free the port.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ln, err := net.Listen("tcp", "127.0.0.1:21500")
		if err == nil {
			_ = ln.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("public port was not released after inactivity timeout")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestHeartbeatLiveness(t *testing.T) {
	echoPort := startEcho(t)
	ctrl := startServer(t, server.Config{
		MinPort:           22100,
		MaxPort:           22900,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	cl, err := client.New(client.Config{
		LocalHost:         "127.0.0.1",
		LocalPort:         echoPort,
		To:                "127.0.0.1",
		ControlPort:       ctrl,
		InactivityTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- cl.Run(ctx) }()

	// With heartbeats flowing, a short inactivity timeout never fires.
	select {
	case err := <-errCh:
		t.Fatalf("control loop ended early: %v", err)
	case <-time.After(2 * time.Second):
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
