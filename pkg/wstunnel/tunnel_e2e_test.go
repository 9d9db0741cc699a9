package wstunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// freePort reserves an ephemeral TCP port and releases it for the test to
// bind shortly after.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot reserve port: %s", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(port)
}

// startEchoTCP runs a TCP echo server for the life of the test.
func startEchoTCP(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen failed: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// startEchoUDP runs a UDP echo server for the life of the test.
func startEchoUDP(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("udp echo listen failed: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

// startTunnel brings up a server and a connected client with the given
// remotes, and tears both down with the test.
func startTunnel(t *testing.T, serverCfg *ServerConfig, remotes ...string) (*Server, *Client) {
	t.Helper()
	if serverCfg == nil {
		serverCfg = &ServerConfig{}
	}
	serverCfg.Host = "127.0.0.1"
	serverCfg.Port = "0"
	serverCfg.Debug = testing.Verbose()
	server, err := NewServer(serverCfg)
	if err != nil {
		t.Fatalf("NewServer failed: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Run(ctx)

	var addr net.Addr
	deadline := time.Now().Add(5 * time.Second)
	for addr == nil {
		addr = server.Addr()
		if addr == nil {
			if time.Now().After(deadline) {
				t.Fatalf("server never bound")
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Cleanup(func() {
		server.StartShutdown(nil)
		server.WaitShutdown()
	})

	client, err := NewClient(&ClientConfig{
		Server:           fmt.Sprintf("http://%s", addr),
		Remotes:          remotes,
		PSK:              serverCfg.PSK,
		Auth:             firstClientAuth(serverCfg),
		MaxRetryCount:    -1,
		MaxRetryInterval: time.Second,
		Debug:            testing.Verbose(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %s", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("client Start failed: %s", err)
	}
	t.Cleanup(func() {
		client.StartShutdown(nil)
		client.WaitShutdown()
	})
	return server, client
}

func firstClientAuth(cfg *ServerConfig) string {
	return cfg.Auth
}

// dialRetry dials the local tunnel listener, retrying while the client
// brings it up.
func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("cannot dial %s: %s", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTunnelTCPEndToEnd(t *testing.T) {
	echoPort := startEchoTCP(t)
	localPort := freePort(t)
	startTunnel(t, nil, fmt.Sprintf("%d:127.0.0.1:%d", localPort, echoPort))

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", localPort))
	defer conn.Close()

	payload := bytes.Repeat([]byte("tunnel me "), 1000)
	go func() {
		conn.Write(payload)
	}()
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for len(got) < len(payload) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read failed after %d bytes: %s", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed payload mismatch")
	}
}

func TestTunnelTCPWithAuthAndPSK(t *testing.T) {
	echoPort := startEchoTCP(t)
	localPort := freePort(t)
	startTunnel(t, &ServerConfig{PSK: "sekrit", Auth: "user:pass"},
		fmt.Sprintf("%d:127.0.0.1:%d", localPort, echoPort))

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", localPort))
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read failed: %s", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echoed %q", buf)
	}
}

func TestTunnelUDPEndToEnd(t *testing.T) {
	echoPort := startEchoUDP(t)
	localPort := freePort(t)
	startTunnel(t, nil, fmt.Sprintf("%d:127.0.0.1:%d/udp", localPort, echoPort))

	// the UDP listener comes up asynchronously; retry the exchange
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(localPort)}
	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			t.Fatalf("udp dial failed: %s", err)
		}
		conn.Write([]byte("probe"))
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		conn.Close()
		if err == nil && string(buf[:n]) == "probe" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("udp echo through tunnel never answered (last err %v)", err)
		}
	}
}

func httpGet(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func TestServerHidesTunnelEndpoint(t *testing.T) {
	server, _ := startTunnel(t, &ServerConfig{PSK: "sekrit", NotFoundBody: "nothing here"},
		fmt.Sprintf("%d:127.0.0.1:%d", freePort(t), startEchoTCP(t)))

	// a plain HTTP request must get the 404 body, not an upgrade error
	resp, err := httpGet(fmt.Sprintf("http://%s/ws", server.Addr()))
	if err != nil {
		t.Fatalf("GET failed: %s", err)
	}
	if resp != "nothing here" {
		t.Fatalf("GET body %q, want the not-found body", resp)
	}
}
