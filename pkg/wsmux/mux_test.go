package wsmux_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wscarrier"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// muxPair builds two muxes joined by an in-memory carrier and arranges
// teardown. cfg tweaks are applied to both sides (Role is set per side).
func muxPair(t *testing.T, cfg wsmux.Config) (*wsmux.Multiplexor, *wsmux.Multiplexor) {
	t.Helper()
	lg := testLogger(t)
	ca, cb := wscarrier.NewPair()
	clientCfg := cfg
	clientCfg.Role = wsmux.RoleClient
	serverCfg := cfg
	serverCfg.Role = wsmux.RoleServer
	client := wsmux.NewMultiplexor(lg, ca, clientCfg)
	server := wsmux.NewMultiplexor(lg, cb, serverCfg)
	t.Cleanup(func() {
		client.StartShutdown(nil)
		server.StartShutdown(nil)
		client.WaitShutdown()
		server.WaitShutdown()
	})
	return client, server
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Scenario: open one stream, write "hello", half-close; the peer reads
// "hello" then EOF; the peer half-closes; both sides observe closure.
func TestStreamHelloEOF(t *testing.T) {
	ctx := testCtx(t)
	client, server := muxPair(t, wsmux.Config{})

	type acceptResult struct {
		s   *wsmux.Stream
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		s, err := server.Accept(ctx)
		accepted <- acceptResult{s, err}
	}()

	cs, err := client.OpenStream(ctx, "example.com", 80)
	if err != nil {
		t.Fatalf("OpenStream failed: %s", err)
	}
	ar := <-accepted
	if ar.err != nil {
		t.Fatalf("Accept failed: %s", ar.err)
	}
	ss := ar.s
	if got := ss.TargetHost().String(); got != "example.com" {
		t.Errorf("target host %q, want example.com", got)
	}
	if ss.TargetPort() != 80 {
		t.Errorf("target port %d, want 80", ss.TargetPort())
	}

	if _, err := cs.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	if err := cs.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %s", err)
	}
	data, err := io.ReadAll(ss)
	if err != nil {
		t.Fatalf("server read failed: %s", err)
	}
	if string(data) != "hello" {
		t.Fatalf("server read %q, want hello", data)
	}
	if _, err := ss.Write([]byte("done")); err != nil {
		t.Fatalf("server write failed: %s", err)
	}
	if err := ss.CloseWrite(); err != nil {
		t.Fatalf("server CloseWrite failed: %s", err)
	}
	data, err = io.ReadAll(cs)
	if err != nil {
		t.Fatalf("client read failed: %s", err)
	}
	if string(data) != "done" {
		t.Fatalf("client read %q, want done", data)
	}
	if cs.GetNumBytesWritten() != 5 || ss.GetNumBytesRead() != 5 {
		t.Errorf("byte counters: wrote %d, read %d, want 5/5",
			cs.GetNumBytesWritten(), ss.GetNumBytesRead())
	}
}

// Scenario: many concurrent streams, bidirectional bulk data, byte-identity
// verified with SHA-256 on each stream; no stream starves.
func TestManyStreamsByteIdentity(t *testing.T) {
	const numStreams = 32
	const perStream = 256 * 1024

	ctx := testCtx(t)
	client, server := muxPair(t, wsmux.Config{})

	// server side: echo-accept loop, hashing inbound and sending its own
	// deterministic data back
	serverSums := make(chan [32]byte, numStreams)
	go func() {
		for i := 0; i < numStreams; i++ {
			s, err := server.Accept(ctx)
			if err != nil {
				t.Errorf("Accept failed: %s", err)
				return
			}
			go func(s *wsmux.Stream) {
				var wg sync.WaitGroup
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer s.CloseWrite()
					src := mathrand.New(mathrand.NewSource(int64(s.TargetPort()) * 7))
					chunk := make([]byte, 8192)
					left := perStream
					for left > 0 {
						n := len(chunk)
						if n > left {
							n = left
						}
						src.Read(chunk[:n])
						if _, err := s.Write(chunk[:n]); err != nil {
							t.Errorf("server write failed: %s", err)
							return
						}
						left -= n
					}
				}()
				h := sha256.New()
				if _, err := io.Copy(h, s); err != nil {
					t.Errorf("server read failed: %s", err)
				}
				wg.Wait()
				var sum [32]byte
				copy(sum[:], h.Sum(nil))
				serverSums <- sum
			}(s)
		}
	}()

	var wg sync.WaitGroup
	clientSums := make([][32]byte, numStreams)
	expectedUp := make([][32]byte, numStreams)
	for i := 0; i < numStreams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := client.OpenStream(ctx, "target", uint16(1000+i))
			if err != nil {
				t.Errorf("OpenStream %d failed: %s", i, err)
				return
			}
			src := mathrand.New(mathrand.NewSource(int64(i) * 13))
			up := sha256.New()
			wroteAll := make(chan struct{})
			go func() {
				defer close(wroteAll)
				defer s.CloseWrite()
				chunk := make([]byte, 8192)
				left := perStream
				for left > 0 {
					n := len(chunk)
					if n > left {
						n = left
					}
					src.Read(chunk[:n])
					up.Write(chunk[:n])
					if _, err := s.Write(chunk[:n]); err != nil {
						t.Errorf("client write %d failed: %s", i, err)
						return
					}
					left -= n
				}
			}()
			h := sha256.New()
			if _, err := io.Copy(h, s); err != nil {
				t.Errorf("client read %d failed: %s", i, err)
				return
			}
			<-wroteAll
			copy(clientSums[i][:], h.Sum(nil))
			copy(expectedUp[i][:], up.Sum(nil))
		}(i)
	}
	wg.Wait()

	// every stream's downstream data must match its deterministic source
	for i := 0; i < numStreams; i++ {
		src := mathrand.New(mathrand.NewSource(int64(1000+i) * 7))
		want := sha256.New()
		buf := make([]byte, perStream)
		src.Read(buf)
		want.Write(buf)
		var wantSum [32]byte
		copy(wantSum[:], want.Sum(nil))
		if clientSums[i] != wantSum {
			t.Errorf("stream %d downstream hash mismatch", i)
		}
	}
	// and the server must have received exactly what each client sent
	gotUp := make(map[[32]byte]int)
	for i := 0; i < numStreams; i++ {
		select {
		case sum := <-serverSums:
			gotUp[sum]++
		case <-time.After(30 * time.Second):
			t.Fatalf("timed out waiting for server hashes")
		}
	}
	for i := 0; i < numStreams; i++ {
		if gotUp[expectedUp[i]] == 0 {
			t.Errorf("stream %d upstream hash not seen by server", i)
		}
	}
}

// creditAuditCarrier wraps the initiator's carrier end and verifies the
// credit-safety law: Push bytes sent on a flow never exceed the credit the
// peer has granted for it.
type creditAuditCarrier struct {
	wsmux.Carrier
	t  *testing.T
	mu sync.Mutex
	// granted and pushed are keyed by the initiator-side local port
	granted map[uint32]int64
	pushed  map[uint32]int64
}

func newCreditAuditCarrier(t *testing.T, inner wsmux.Carrier) *creditAuditCarrier {
	return &creditAuditCarrier{
		Carrier: inner,
		t:       t,
		granted: make(map[uint32]int64),
		pushed:  make(map[uint32]int64),
	}
}

func (c *creditAuditCarrier) ReadMessage() ([]byte, error) {
	data, err := c.Carrier.ReadMessage()
	if err != nil {
		return nil, err
	}
	if f, derr := wsmux.DecodeFrame(data, wsmux.DefaultMaxFramePayload); derr == nil && f.Op == wsmux.OpAcknowledge {
		c.mu.Lock()
		c.granted[f.TheirPort] += int64(f.Credit)
		c.mu.Unlock()
	}
	return data, nil
}

func (c *creditAuditCarrier) WriteMessage(data []byte) error {
	if f, derr := wsmux.DecodeFrame(data, wsmux.DefaultMaxFramePayload); derr == nil && f.Op == wsmux.OpPush {
		c.mu.Lock()
		c.pushed[f.OurPort] += int64(len(f.Payload))
		if c.pushed[f.OurPort] > c.granted[f.OurPort] {
			c.t.Errorf("credit overrun on flow %d: pushed %d > granted %d",
				f.OurPort, c.pushed[f.OurPort], c.granted[f.OurPort])
		}
		c.mu.Unlock()
	}
	return c.Carrier.WriteMessage(data)
}

// Scenario: the writer stalls when the send window is exhausted and resumes
// when the reader drains and credit is refilled. The carrier wrapper
// asserts that no Push ever exceeded the granted credit.
func TestFlowControlBlocksWriter(t *testing.T) {
	ctx := testCtx(t)
	lg := testLogger(t)
	ca, cb := wscarrier.NewPair()
	audited := newCreditAuditCarrier(t, ca)
	client := wsmux.NewMultiplexor(lg, audited, wsmux.Config{Role: wsmux.RoleClient, WindowSize: 1024})
	server := wsmux.NewMultiplexor(lg, cb, wsmux.Config{Role: wsmux.RoleServer, WindowSize: 1024})
	t.Cleanup(func() {
		client.StartShutdown(nil)
		server.StartShutdown(nil)
		client.WaitShutdown()
		server.WaitShutdown()
	})

	accepted := make(chan *wsmux.Stream, 1)
	go func() {
		s, _ := server.Accept(ctx)
		accepted <- s
	}()
	cs, err := client.OpenStream(ctx, "t", 1)
	if err != nil {
		t.Fatalf("OpenStream failed: %s", err)
	}
	ss := <-accepted
	if ss == nil {
		t.Fatalf("accept failed")
	}

	payload := bytes.Repeat([]byte{'z'}, 4096)
	wrote := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		wrote <- err
	}()
	select {
	case err := <-wrote:
		t.Fatalf("write of 4x window returned early (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
		// blocked, as it must be
	}
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 512)
	for len(got) < len(payload) {
		n, err := ss.Read(buf)
		if err != nil {
			t.Fatalf("server read failed after %d bytes: %s", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if err := <-wrote; err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload corrupted in flight")
	}
}

// Scenario: peer resets an active stream with data pending in the receive
// buffer; the reader sees ErrStreamReset, buffered bytes are discarded, and
// sibling streams are unaffected.
func TestResetDiscardsBufferedData(t *testing.T) {
	ctx := testCtx(t)
	client, server := muxPair(t, wsmux.Config{})

	accepted := make(chan *wsmux.Stream, 2)
	go func() {
		for i := 0; i < 2; i++ {
			s, _ := server.Accept(ctx)
			accepted <- s
		}
	}()
	doomed, err := client.OpenStream(ctx, "t", 1)
	if err != nil {
		t.Fatalf("OpenStream failed: %s", err)
	}
	healthy, err := client.OpenStream(ctx, "t", 2)
	if err != nil {
		t.Fatalf("OpenStream failed: %s", err)
	}
	var sDoomed, sHealthy *wsmux.Stream
	for i := 0; i < 2; i++ {
		s := <-accepted
		if s.TargetPort() == 1 {
			sDoomed = s
		} else {
			sHealthy = s
		}
	}

	// fill the doomed stream's receive buffer without reading it
	if _, err := doomed.Write(bytes.Repeat([]byte{'d'}, 8192)); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	if _, err := healthy.Write([]byte("alive")); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	// give the 8 KiB time to land in the peer's buffer
	time.Sleep(100 * time.Millisecond)
	// abortive close (no CloseWrite first) sends Reset
	doomed.Close()

	buf := make([]byte, 16384)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := sDoomed.Read(buf)
		if err != nil {
			if !errors.Is(err, wsmux.ErrStreamReset) {
				t.Fatalf("doomed read error %v, want ErrStreamReset", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("doomed stream never surfaced the reset")
		}
	}
	n, err := sHealthy.Read(buf)
	if err != nil || string(buf[:n]) != "alive" {
		t.Fatalf("sibling stream disturbed: (%q, %v)", buf[:n], err)
	}
}

// Scenario: a malformed frame on the inbound side is fatal; all live
// streams surface carrier loss promptly.
func TestMalformedFrameTearsDownSession(t *testing.T) {
	ctx := testCtx(t)
	lg := testLogger(t)
	ca, cb := wscarrier.NewPair()
	mux := wsmux.NewMultiplexor(lg, ca, wsmux.Config{Role: wsmux.RoleClient})
	defer func() {
		mux.StartShutdown(nil)
		mux.WaitShutdown()
	}()

	// speak just enough protocol by hand to establish streams
	streams := make([]*wsmux.Stream, 0, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			data, err := cb.ReadMessage()
			if err != nil {
				return
			}
			f, err := wsmux.DecodeFrame(data, wsmux.DefaultMaxFramePayload)
			if err != nil {
				return
			}
			if f.Op == wsmux.OpConnect {
				ack, _ := wsmux.EncodeFrame(&wsmux.Frame{
					Op:        wsmux.OpAcknowledge,
					OurPort:   f.OurPort + 1000,
					TheirPort: f.OurPort,
					Credit:    1024,
				}, wsmux.DefaultMaxFramePayload)
				cb.WriteMessage(ack)
			}
		}
	}()
	for i := 0; i < 10; i++ {
		s, err := mux.OpenStream(ctx, "t", uint16(i))
		if err != nil {
			t.Fatalf("OpenStream %d failed: %s", i, err)
		}
		streams = append(streams, s)
	}

	// inject a frame with an unknown opcode
	cb.WriteMessage([]byte{0x7f, 1, 2, 3})

	deadline := time.Now().Add(5 * time.Second)
	for _, s := range streams {
		buf := make([]byte, 16)
		_, err := s.Read(buf)
		if !errors.Is(err, wsmux.ErrCarrierLoss) && !errors.Is(err, wsmux.ErrProtocol) {
			t.Fatalf("stream read after teardown returned %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("streams did not observe teardown in time")
		}
	}
	if err := mux.WaitShutdown(); err == nil {
		t.Fatalf("mux completed without error after protocol violation")
	}
	<-done
}

// Scenario: graceful close delivers EOF on every stream at the peer before
// the carrier closes; both multiplexers finish cleanly.
func TestGracefulClose(t *testing.T) {
	ctx := testCtx(t)
	client, server := muxPair(t, wsmux.Config{})

	accepted := make(chan *wsmux.Stream, 3)
	go func() {
		for i := 0; i < 3; i++ {
			s, _ := server.Accept(ctx)
			accepted <- s
		}
	}()
	var clientStreams []*wsmux.Stream
	var serverStreams []*wsmux.Stream
	for i := 0; i < 3; i++ {
		s, err := client.OpenStream(ctx, "t", uint16(i))
		if err != nil {
			t.Fatalf("OpenStream failed: %s", err)
		}
		if _, err := s.Write([]byte(fmt.Sprintf("msg%d", i))); err != nil {
			t.Fatalf("write failed: %s", err)
		}
		clientStreams = append(clientStreams, s)
		serverStreams = append(serverStreams, <-accepted)
	}

	closed := make(chan error, 1)
	go func() {
		closed <- client.Close()
	}()

	for _, s := range serverStreams {
		data, err := io.ReadAll(s)
		if err != nil {
			t.Fatalf("server read after peer Close failed: %s", err)
		}
		if len(data) != 4 {
			t.Fatalf("server read %q, want 4 bytes", data)
		}
		s.CloseWrite()
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close returned error: %s", err)
	}
	for _, s := range clientStreams {
		buf := make([]byte, 8)
		if _, err := s.Read(buf); err != io.EOF {
			t.Fatalf("client stream read after close = %v, want io.EOF", err)
		}
	}
	if err := server.WaitShutdown(); err != nil {
		t.Fatalf("server mux ended with error: %s", err)
	}
}

// Scenario: keep-alive timeout tears the session down when the peer stops
// answering pings.
func TestKeepAliveTimeout(t *testing.T) {
	lg := testLogger(t)
	mock := clock.NewMock()
	ca, cb := wscarrier.NewPair()
	mux := wsmux.NewMultiplexor(lg, ca, wsmux.Config{
		Role:              wsmux.RoleClient,
		KeepAliveInterval: 30 * time.Second,
		Clock:             mock,
	})
	defer func() {
		mux.StartShutdown(nil)
		mux.WaitShutdown()
	}()

	// a peer that reads everything and never answers
	go func() {
		for {
			if _, err := cb.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// let the mux tasks start and park on their timers
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 4; i++ {
		mock.Add(30 * time.Second)
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case <-waitShutdownChan(mux):
	case <-time.After(5 * time.Second):
		t.Fatalf("mux did not die after keep-alive silence")
	}
	if err := mux.WaitShutdown(); !errors.Is(err, wsmux.ErrCarrierLoss) {
		t.Fatalf("mux completion = %v, want ErrCarrierLoss", err)
	}
}

func waitShutdownChan(mux *wsmux.Multiplexor) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		mux.WaitShutdown()
		close(ch)
	}()
	return ch
}

// Scenario: pongs keep the session alive across many intervals.
func TestKeepAlivePongKeepsSessionUp(t *testing.T) {
	lg := testLogger(t)
	mock := clock.NewMock()
	ca, cb := wscarrier.NewPair()
	mux := wsmux.NewMultiplexor(lg, ca, wsmux.Config{
		Role:              wsmux.RoleClient,
		KeepAliveInterval: 30 * time.Second,
		Clock:             mock,
	})
	defer func() {
		mux.StartShutdown(nil)
		mux.WaitShutdown()
	}()

	// a peer that answers every ping
	go func() {
		for {
			data, err := cb.ReadMessage()
			if err != nil {
				return
			}
			f, err := wsmux.DecodeFrame(data, wsmux.DefaultMaxFramePayload)
			if err != nil {
				return
			}
			if f.Op == wsmux.OpPing {
				pong, _ := wsmux.EncodeFrame(&wsmux.Frame{Op: wsmux.OpPong, Token: f.Token},
					wsmux.DefaultMaxFramePayload)
				cb.WriteMessage(pong)
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 6; i++ {
		mock.Add(30 * time.Second)
		time.Sleep(50 * time.Millisecond)
	}
	if mux.IsStartedShutdown() {
		t.Fatalf("mux died despite pongs: %v", mux.WaitShutdown())
	}
}

// Scenario: peers refuse Connect when nobody accepts fast enough.
func TestConnectRefusedOnFullBacklog(t *testing.T) {
	ctx := testCtx(t)
	client, _ := muxPair(t, wsmux.Config{AcceptBacklog: 1})

	// nobody calls Accept on the server; the first Connect parks in the
	// backlog, the second must be refused
	if _, err := client.OpenStream(ctx, "t", 1); err != nil {
		t.Fatalf("first OpenStream failed: %s", err)
	}
	if _, err := client.OpenStream(ctx, "t", 2); !errors.Is(err, wsmux.ErrStreamRefused) {
		t.Fatalf("second OpenStream = %v, want ErrStreamRefused", err)
	}
}
