package wsmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// streamState tracks one slot of the port table.
type streamState int

const (
	// stateRequestedConnect: our Connect is in flight, awaiting
	// Acknowledge or Reset.
	stateRequestedConnect streamState = iota

	// stateEstablished: the stream is live (possibly half-closed; the
	// half-close flags live on the entry and the Stream).
	stateEstablished
)

// streamEntry is one slot of the port table, keyed by our local port.
type streamEntry struct {
	state      streamState
	remotePort uint32

	// stream is nil while state is stateRequestedConnect.
	stream *Stream

	// connectCh resolves a pending OpenStream; buffered, length 1.
	connectCh chan connectResult

	// eofSeen is set when the peer's Finish arrives. The slot is released
	// once both eofSeen and the stream's local Finish are in.
	eofSeen bool
}

type connectResult struct {
	stream *Stream
	err    error
}

// Multiplexor drives one carrier. It owns the port table, runs the reader,
// writer and keep-alive tasks, and hands out Stream and DatagramChannel
// handles. Every Multiplexor is an isolated object; there is no package
// state.
type Multiplexor struct {
	*asyncobj.Helper

	cfg     Config
	log     logger.Logger
	carrier Carrier

	ports *portAllocator
	sched *outScheduler
	dgram *datagramDispatcher

	mu           sync.Mutex
	streams      map[uint32]*streamEntry
	pendingBinds map[uint32]chan error
	closing      bool

	// drainCh carries a signal when the port table empties during a
	// graceful Close.
	drainCh chan struct{}

	acceptCh chan *Stream
	bindCh   chan *BindRequest

	// dead is closed as soon as teardown begins, releasing every blocked
	// handle operation.
	dead     chan struct{}
	deadOnce sync.Once

	reasonMu sync.Mutex
	reason   error

	pingToken uint32
	pongMu    sync.Mutex
	lastPong  time.Time

	readerDone chan struct{}
	writerDone chan struct{}
	kaDone     chan struct{}
}

// NewMultiplexor creates a multiplexer over an already-established carrier
// and starts its background tasks. The caller keeps responsibility for
// calling Close (graceful) or StartShutdown (abortive) exactly once.
func NewMultiplexor(lg logger.Logger, carrier Carrier, cfg Config) *Multiplexor {
	cfg = cfg.withDefaults()
	m := &Multiplexor{
		cfg:          cfg,
		log:          lg.ForkLogf("Mux[%s]", cfg.Role),
		carrier:      carrier,
		ports:        newPortAllocator(cfg.Role),
		sched:        newOutScheduler(cfg.OutboundLimit, cfg.WriteBudget, cfg.Clock),
		streams:      make(map[uint32]*streamEntry),
		pendingBinds: make(map[uint32]chan error),
		drainCh:      make(chan struct{}, 1),
		acceptCh:     make(chan *Stream, cfg.AcceptBacklog),
		dead:         make(chan struct{}),
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
		kaDone:       make(chan struct{}),
	}
	if cfg.AcceptBinds {
		m.bindCh = make(chan *BindRequest, cfg.AcceptBacklog)
	}
	m.dgram = newDatagramDispatcher(m)
	m.Helper = asyncobj.NewHelper(m.log, m)
	m.SetIsActivated()
	m.pongMu.Lock()
	m.lastPong = cfg.Clock.Now()
	m.pongMu.Unlock()
	go m.runReader()
	go m.runWriter()
	go m.runKeepAlive()
	return m
}

func (m *Multiplexor) String() string {
	return fmt.Sprintf("Mux[%s]", m.cfg.Role)
}

// ShutdownOnContext constrains the multiplexer's lifetime to ctx.
func (m *Multiplexor) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			m.StartShutdown(ctx.Err())
		case <-m.dead:
		}
	}()
}

// setReason records the first terminal status; handle operations report it.
func (m *Multiplexor) setReason(err error) {
	m.reasonMu.Lock()
	if m.reason == nil {
		m.reason = err
	}
	m.reasonMu.Unlock()
}

// teardownReason returns the terminal status, or nil while the mux is live.
func (m *Multiplexor) teardownReason() error {
	m.reasonMu.Lock()
	defer m.reasonMu.Unlock()
	return m.reason
}

func (m *Multiplexor) handleErr() error {
	if err := m.teardownReason(); err != nil {
		return err
	}
	return ErrClosed
}

// teardown drives the one-way total-teardown path for protocol errors,
// carrier errors and keep-alive timeouts.
func (m *Multiplexor) teardown(err error) {
	if errors.Is(err, ErrProtocol) {
		m.setReason(err)
	} else {
		m.setReason(ErrCarrierLoss)
	}
	m.StartShutdown(err)
}

// remoteClosed handles a clean close of the carrier by the peer: remaining
// streams read EOF rather than an error.
func (m *Multiplexor) remoteClosed() {
	m.log.DLogf("carrier closed by peer")
	m.StartShutdown(nil)
}

// HandleOnceShutdown is called exactly once by the async shutdown helper; it
// performs the actual teardown of tasks, streams and channels.
func (m *Multiplexor) HandleOnceShutdown(completionErr error) error {
	graceful := completionErr == nil
	if !graceful {
		m.log.DLogf("tearing down: %s", completionErr)
	}
	if m.teardownReason() == nil {
		m.setReason(ErrClosed)
	}
	m.deadOnce.Do(func() { close(m.dead) })
	m.sched.shutdown(m.teardownReason())
	m.carrier.Close(graceful)

	m.mu.Lock()
	var pending []chan connectResult
	var live []*Stream
	for port, e := range m.streams {
		if e.state == stateRequestedConnect {
			pending = append(pending, e.connectCh)
		} else {
			live = append(live, e.stream)
		}
		m.ports.free(port)
	}
	m.streams = make(map[uint32]*streamEntry)
	binds := m.pendingBinds
	m.pendingBinds = make(map[uint32]chan error)
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- connectResult{err: m.handleErr()}
	}
	for _, s := range live {
		if graceful {
			s.buf.setEOF()
		} else {
			s.buf.fail(m.handleErr())
		}
		s.failWrite(m.handleErr())
		s.markDone()
	}
	for _, ch := range binds {
		ch <- m.handleErr()
	}
	m.dgram.shutdown()

	<-m.readerDone
	<-m.writerDone
	<-m.kaDone
	if errors.Is(completionErr, ErrCarrierNormalClose) {
		completionErr = nil
	}
	return completionErr
}

// Close shuts the session down gracefully: every open stream is finished,
// the peer is given DrainTimeout to finish its halves, and the carrier is
// closed with a normal status.
func (m *Multiplexor) Close() error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return m.WaitShutdown()
	}
	m.closing = true
	open := make([]*Stream, 0, len(m.streams))
	for _, e := range m.streams {
		if e.state == stateEstablished {
			open = append(open, e.stream)
		}
	}
	m.mu.Unlock()

	for _, s := range open {
		s.CloseWrite()
	}
	m.waitDrained()
	m.StartShutdown(nil)
	return m.WaitShutdown()
}

// waitDrained blocks until the port table empties, DrainTimeout passes, or
// teardown begins.
func (m *Multiplexor) waitDrained() {
	timer := m.cfg.Clock.Timer(m.cfg.DrainTimeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		empty := len(m.streams) == 0
		m.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-m.drainCh:
		case <-timer.C:
			m.log.DLogf("drain timeout with %d streams still open", m.numStreams())
			return
		case <-m.dead:
			return
		}
	}
}

// signalDrainLocked must be called with m.mu held, after removing a port
// table entry.
func (m *Multiplexor) signalDrainLocked() {
	if m.closing && len(m.streams) == 0 {
		select {
		case m.drainCh <- struct{}{}:
		default:
		}
	}
}

func (m *Multiplexor) numStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// ---------------------------------------------------------------------------
// Public handle surface
// ---------------------------------------------------------------------------

// OpenStream opens a new stream toward host:port on the peer side. It
// blocks until the peer acknowledges (Established) or refuses
// (ErrStreamRefused), the context is cancelled, or the session dies.
func (m *Multiplexor) OpenStream(ctx context.Context, host string, port uint16) (*Stream, error) {
	if m.IsStartedShutdown() {
		return nil, m.handleErr()
	}
	localPort, err := m.ports.alloc()
	if err != nil {
		return nil, err
	}
	ch := make(chan connectResult, 1)
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.ports.free(localPort)
		return nil, ErrClosed
	}
	m.streams[localPort] = &streamEntry{state: stateRequestedConnect, connectCh: ch}
	m.mu.Unlock()

	err = m.sendControl(&Frame{
		Op:         OpConnect,
		OurPort:    localPort,
		TargetPort: port,
		TargetHost: ParseHostAddr(host),
	})
	if err != nil {
		m.abandonConnect(localPort, false)
		return nil, m.handleErr()
	}
	m.log.DLogf("Connect[%d -> %s:%d] sent", localPort, host, port)

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	case <-ctx.Done():
		// The acknowledge may already have raced in; if so, the entry is
		// established and must be reset rather than abandoned.
		if m.abandonConnect(localPort, true) {
			return nil, ctx.Err()
		}
		res := <-ch
		if res.stream != nil {
			res.stream.Close()
		}
		return nil, ctx.Err()
	case <-m.dead:
		return nil, m.handleErr()
	}
}

// abandonConnect removes a still-pending connect entry, returning false if
// the entry already advanced past RequestedConnect. sendReset also tells the
// peer to forget the half-open stream.
func (m *Multiplexor) abandonConnect(localPort uint32, sendReset bool) bool {
	m.mu.Lock()
	e := m.streams[localPort]
	if e == nil || e.state != stateRequestedConnect {
		m.mu.Unlock()
		return e == nil
	}
	delete(m.streams, localPort)
	m.signalDrainLocked()
	m.mu.Unlock()
	m.ports.free(localPort)
	if sendReset {
		m.sendControl(&Frame{Op: OpReset, OurPort: localPort, TheirPort: 0})
	}
	return true
}

// Accept yields the next inbound stream, already Established, along with its
// requested forwarding target (stream.TargetHost / stream.TargetPort).
func (m *Multiplexor) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.acceptCh:
		return s, nil
	default:
	}
	select {
	case s := <-m.acceptCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.dead:
		return nil, m.handleErr()
	}
}

// OpenDatagramChannel binds a datagram channel on a freshly allocated local
// source port.
func (m *Multiplexor) OpenDatagramChannel() (*DatagramChannel, error) {
	if m.IsStartedShutdown() {
		return nil, m.handleErr()
	}
	return m.dgram.open()
}

// DatagramChannel returns the channel bound to sourcePort, creating it if
// needed. Useful on the acceptor side of a granted Bind request, where the
// peer chose the flow id.
func (m *Multiplexor) DatagramChannel(sourcePort uint32) *DatagramChannel {
	return m.dgram.channel(sourcePort)
}

// AcceptDatagramChannel yields datagram channels created by inbound traffic
// on source ports this endpoint has never seen, for forwarding servers.
func (m *Multiplexor) AcceptDatagramChannel(ctx context.Context) (*DatagramChannel, error) {
	select {
	case ch := <-m.dgram.inbound:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.dead:
		return nil, m.handleErr()
	}
}

// BindRequests surfaces inbound remote-UDP-bind requests. It is nil unless
// Config.AcceptBinds was set; each request must be answered with Grant or
// Deny.
func (m *Multiplexor) BindRequests() <-chan *BindRequest {
	return m.bindCh
}

// RequestBind asks the peer to bind a remote UDP socket on host:port. On
// grant it returns a datagram channel whose source port names the remote
// socket; on denial, ErrBindRefused.
func (m *Multiplexor) RequestBind(ctx context.Context, host HostAddr, port uint16) (*DatagramChannel, error) {
	if m.IsStartedShutdown() {
		return nil, m.handleErr()
	}
	flowID, err := m.ports.alloc()
	if err != nil {
		return nil, err
	}
	ch := make(chan error, 1)
	m.mu.Lock()
	m.pendingBinds[flowID] = ch
	m.mu.Unlock()
	err = m.sendControl(&Frame{Op: OpBind, FlowID: flowID, TargetHost: host, TargetPort: port})
	if err != nil {
		m.forgetBind(flowID)
		return nil, m.handleErr()
	}
	select {
	case err := <-ch:
		if err != nil {
			m.ports.free(flowID)
			return nil, err
		}
		dch := newDatagramChannel(m, flowID, true)
		m.dgram.table.Add(flowID, dch)
		return dch, nil
	case <-ctx.Done():
		m.forgetBind(flowID)
		return nil, ctx.Err()
	case <-m.dead:
		m.forgetBind(flowID)
		return nil, m.handleErr()
	}
}

func (m *Multiplexor) forgetBind(flowID uint32) {
	m.mu.Lock()
	delete(m.pendingBinds, flowID)
	m.mu.Unlock()
	m.ports.free(flowID)
}

// BindRequest is an inbound request from the peer to bind a remote UDP
// socket. The flow id names the peer's datagram source port; after Grant,
// datagrams tagged with it flow in both directions.
type BindRequest struct {
	mux    *Multiplexor
	FlowID uint32
	Host   HostAddr
	Port   uint16
}

// Grant accepts the bind request.
func (r *BindRequest) Grant() error {
	return r.mux.sendControl(&Frame{Op: OpFinish, OurPort: 0, TheirPort: r.FlowID})
}

// Deny rejects the bind request.
func (r *BindRequest) Deny() error {
	return r.mux.sendControl(&Frame{Op: OpReset, OurPort: 0, TheirPort: r.FlowID})
}

// ---------------------------------------------------------------------------
// Outbound plumbing shared with Stream / DatagramChannel
// ---------------------------------------------------------------------------

func (m *Multiplexor) sendControl(f *Frame) error {
	data, err := EncodeFrame(f, m.cfg.MaxFramePayload)
	if err != nil {
		return err
	}
	return m.sched.enqueueControl(data)
}

// sendCredit grants the peer additional send credit for an established
// stream (a standalone Acknowledge with nonzero their_port).
func (m *Multiplexor) sendCredit(localPort, remotePort uint32, credit uint32) {
	m.sendControl(&Frame{
		Op:        OpAcknowledge,
		OurPort:   localPort,
		TheirPort: remotePort,
		Credit:    credit,
	})
}

// finishStream emits the stream's Finish and releases its slot if the peer
// already finished its half. The Finish travels through the stream's data
// queue, never the control queue, so it cannot overtake queued Push frames.
func (m *Multiplexor) finishStream(s *Stream) error {
	data, err := EncodeFrame(&Frame{Op: OpFinish, OurPort: s.localPort, TheirPort: s.remotePort}, m.cfg.MaxFramePayload)
	if err == nil {
		err = m.sched.enqueueData(s.localPort, data, s.done)
	}
	m.mu.Lock()
	e := m.streams[s.localPort]
	if e != nil && e.stream == s && e.eofSeen {
		delete(m.streams, s.localPort)
		m.signalDrainLocked()
		m.mu.Unlock()
		m.ports.free(s.localPort)
		s.markDone()
		return err
	}
	m.mu.Unlock()
	return err
}

// closeStream releases a stream's slot on local Close. Unless both
// directions were already cleanly closed, the peer receives a Reset.
func (m *Multiplexor) closeStream(s *Stream, completionErr error) {
	m.mu.Lock()
	e := m.streams[s.localPort]
	owned := e != nil && e.stream == s
	var needReset bool
	if owned {
		delete(m.streams, s.localPort)
		m.signalDrainLocked()
		needReset = !(s.sendClosed() && e.eofSeen)
	}
	m.mu.Unlock()
	if owned {
		m.sched.dropFlow(s.localPort)
		if needReset {
			m.sendControl(&Frame{Op: OpReset, OurPort: s.localPort, TheirPort: s.remotePort})
		}
		m.ports.free(s.localPort)
	}
	if !s.buf.failed() {
		s.buf.fail(ErrClosed)
	}
	s.failWrite(ErrClosed)
	s.markDone()
}

// ---------------------------------------------------------------------------
// Background tasks
// ---------------------------------------------------------------------------

// runReader owns the carrier's receive end: it decodes frames and
// dispatches them. It never blocks on user code; dispatch either accepts
// into bounded queues immediately or drops/resets.
func (m *Multiplexor) runReader() {
	defer close(m.readerDone)
	for {
		data, err := m.carrier.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrCarrierNormalClose) {
				m.remoteClosed()
			} else if !m.IsStartedShutdown() {
				m.teardown(fmt.Errorf("carrier read: %w", err))
			}
			return
		}
		f, err := DecodeFrame(data, m.cfg.MaxFramePayload)
		if err != nil {
			m.log.WLogf("inbound frame rejected: %s", err)
			m.teardown(err)
			return
		}
		if err := m.dispatch(f); err != nil {
			m.log.WLogf("fatal dispatch error: %s", err)
			m.teardown(err)
			return
		}
	}
}

// runWriter owns the carrier's send end; it is the only task that sends.
func (m *Multiplexor) runWriter() {
	defer close(m.writerDone)
	for {
		frame, ok := m.sched.next()
		if !ok {
			select {
			case <-m.sched.notify:
				continue
			case <-m.dead:
				return
			}
		}
		if err := m.carrier.WriteMessage(frame); err != nil {
			if !m.IsStartedShutdown() {
				m.teardown(fmt.Errorf("carrier write: %w", err))
			}
			return
		}
	}
}

// runKeepAlive probes the carrier with Ping frames and declares it dead
// when the peer stops answering.
func (m *Multiplexor) runKeepAlive() {
	defer close(m.kaDone)
	if m.cfg.KeepAliveInterval < 0 {
		<-m.dead
		return
	}
	deadline := m.cfg.KeepAliveInterval + m.cfg.KeepAliveSlack
	ticker := m.cfg.Clock.Ticker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pongMu.Lock()
			silent := m.cfg.Clock.Now().Sub(m.lastPong)
			m.pongMu.Unlock()
			if silent > deadline {
				m.log.WLogf("no Pong in %s; declaring carrier dead", silent)
				m.teardown(fmt.Errorf("%w: keep-alive timeout", ErrCarrierLoss))
				return
			}
			token := atomic.AddUint32(&m.pingToken, 1)
			m.sendControl(&Frame{Op: OpPing, Token: token})
		case <-m.dead:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound dispatch
// ---------------------------------------------------------------------------

// dispatch routes one inbound frame. A non-nil return is a protocol
// violation fatal to the carrier; recoverable conditions answer the peer
// with Reset instead.
func (m *Multiplexor) dispatch(f *Frame) error {
	m.log.TLogf("recv %s", f)
	switch f.Op {
	case OpConnect:
		return m.handleConnect(f)
	case OpAcknowledge:
		return m.handleAcknowledge(f)
	case OpReset:
		return m.handleReset(f)
	case OpFinish:
		return m.handleFinish(f)
	case OpPush:
		return m.handlePush(f)
	case OpBind:
		return m.handleBind(f)
	case OpDatagram:
		m.dgram.deliver(f)
		return nil
	case OpPing:
		return m.sendControl(&Frame{Op: OpPong, Token: f.Token})
	case OpPong:
		m.pongMu.Lock()
		m.lastPong = m.cfg.Clock.Now()
		m.pongMu.Unlock()
		return nil
	}
	return protocolErrorf("unhandled opcode %s", f.Op)
}

func (m *Multiplexor) handleConnect(f *Frame) error {
	refuse := func() {
		m.sendControl(&Frame{Op: OpReset, OurPort: 0, TheirPort: f.OurPort})
	}
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		refuse()
		return nil
	}
	localPort, err := m.ports.alloc()
	if err != nil {
		m.log.WLogf("refusing inbound Connect: %s", err)
		refuse()
		return nil
	}
	// The acceptor's send window starts at zero; the initiator grants its
	// first credit as soon as it sees our Acknowledge.
	s := newStream(m, localPort, f.OurPort, 0, f.TargetHost, f.TargetPort)
	e := &streamEntry{state: stateEstablished, remotePort: f.OurPort, stream: s}
	m.mu.Lock()
	// teardown sweeps the table under this lock after closing dead; an
	// insert that raced past the sweep would leak a live stream
	select {
	case <-m.dead:
		m.mu.Unlock()
		m.ports.free(localPort)
		refuse()
		return nil
	default:
	}
	m.streams[localPort] = e
	m.mu.Unlock()

	select {
	case m.acceptCh <- s:
	default:
		m.log.WLogf("refusing inbound Connect: accept backlog full")
		m.mu.Lock()
		delete(m.streams, localPort)
		m.mu.Unlock()
		m.ports.free(localPort)
		refuse()
		return nil
	}
	// Acknowledge with our full receive window as the peer's initial
	// credit. Control frames precede any data the acceptor queues, so the
	// peer always sees this before the stream carries traffic.
	return m.sendControl(&Frame{
		Op:        OpAcknowledge,
		OurPort:   localPort,
		TheirPort: f.OurPort,
		Credit:    uint32(m.cfg.WindowSize),
	})
}

func (m *Multiplexor) handleAcknowledge(f *Frame) error {
	m.mu.Lock()
	e := m.streams[f.TheirPort]
	if e == nil {
		_, isBind := m.pendingBinds[f.TheirPort]
		m.mu.Unlock()
		if isBind {
			// Acknowledge is not a legal Bind reply
			m.log.WLogf("peer answered Bind with Acknowledge on flow %d", f.TheirPort)
		} else {
			m.log.DLogf("Acknowledge for unknown port %d; sending Reset", f.TheirPort)
		}
		return m.sendControl(&Frame{Op: OpReset, OurPort: f.TheirPort, TheirPort: f.OurPort})
	}
	switch e.state {
	case stateRequestedConnect:
		e.state = stateEstablished
		e.remotePort = f.OurPort
		s := newStream(m, f.TheirPort, f.OurPort, int(f.Credit), HostAddr{}, 0)
		e.stream = s
		ch := e.connectCh
		e.connectCh = nil
		m.mu.Unlock()
		// Grant the acceptor its opening credit; see handleConnect.
		m.sendCredit(s.localPort, s.remotePort, uint32(m.cfg.WindowSize))
		ch <- connectResult{stream: s}
		return nil
	default:
		s := e.stream
		remote := e.remotePort
		m.mu.Unlock()
		if f.OurPort != remote {
			m.log.DLogf("credit Acknowledge with mismatched peer port %d (want %d); ignoring", f.OurPort, remote)
			return nil
		}
		s.addCredit(f.Credit)
		return nil
	}
}

func (m *Multiplexor) handleReset(f *Frame) error {
	m.mu.Lock()
	if ch, ok := m.pendingBinds[f.TheirPort]; ok {
		delete(m.pendingBinds, f.TheirPort)
		m.mu.Unlock()
		ch <- ErrBindRefused
		return nil
	}
	port := f.TheirPort
	if port == 0 {
		// an abandoned Connect: the initiator never learned our port, so
		// find the accepted stream by the initiator's port
		for p, cand := range m.streams {
			if cand.state == stateEstablished && cand.remotePort == f.OurPort {
				port = p
				break
			}
		}
	}
	e := m.streams[port]
	if e == nil {
		m.mu.Unlock()
		m.log.DLogf("Reset for unknown port %d; ignoring", port)
		return nil
	}
	delete(m.streams, port)
	m.signalDrainLocked()
	m.mu.Unlock()
	m.ports.free(port)

	switch e.state {
	case stateRequestedConnect:
		e.connectCh <- connectResult{err: ErrStreamRefused}
	default:
		s := e.stream
		m.sched.dropFlow(s.localPort)
		s.buf.fail(ErrStreamReset)
		s.failWrite(ErrStreamReset)
		s.markDone()
	}
	return nil
}

func (m *Multiplexor) handleFinish(f *Frame) error {
	m.mu.Lock()
	if ch, ok := m.pendingBinds[f.TheirPort]; ok {
		// Finish is the bind-granted reply
		delete(m.pendingBinds, f.TheirPort)
		m.mu.Unlock()
		ch <- nil
		return nil
	}
	e := m.streams[f.TheirPort]
	if e == nil {
		m.mu.Unlock()
		m.log.DLogf("Finish for unknown port %d; ignoring", f.TheirPort)
		return nil
	}
	if e.state == stateRequestedConnect {
		// not a legal Connect reply
		delete(m.streams, f.TheirPort)
		m.signalDrainLocked()
		ch := e.connectCh
		m.mu.Unlock()
		m.ports.free(f.TheirPort)
		m.log.WLogf("peer answered Connect with Finish on port %d", f.TheirPort)
		m.sendControl(&Frame{Op: OpReset, OurPort: f.TheirPort, TheirPort: f.OurPort})
		ch <- connectResult{err: ErrStreamRefused}
		return nil
	}
	e.eofSeen = true
	s := e.stream
	released := s.sendClosed()
	if released {
		delete(m.streams, f.TheirPort)
		m.signalDrainLocked()
	}
	m.mu.Unlock()
	s.buf.setEOF()
	if released {
		m.ports.free(f.TheirPort)
		s.markDone()
	}
	return nil
}

func (m *Multiplexor) handlePush(f *Frame) error {
	m.mu.Lock()
	e := m.streams[f.TheirPort]
	if e == nil || e.state == stateRequestedConnect {
		m.mu.Unlock()
		m.log.DLogf("Push for unknown port %d; sending Reset", f.TheirPort)
		return m.sendControl(&Frame{Op: OpReset, OurPort: f.TheirPort, TheirPort: f.OurPort})
	}
	if e.eofSeen {
		m.mu.Unlock()
		return protocolErrorf("Push after Finish on port %d", f.TheirPort)
	}
	s := e.stream
	m.mu.Unlock()
	// a credit overrun surfaces here as a buffer overflow
	return s.buf.push(f.Payload)
}

func (m *Multiplexor) handleBind(f *Frame) error {
	if m.bindCh == nil {
		m.log.DLogf("denying Bind request for flow %d (binds not accepted)", f.FlowID)
		return m.sendControl(&Frame{Op: OpReset, OurPort: 0, TheirPort: f.FlowID})
	}
	req := &BindRequest{mux: m, FlowID: f.FlowID, Host: f.TargetHost, Port: f.TargetPort}
	select {
	case m.bindCh <- req:
		return nil
	default:
		m.log.WLogf("denying Bind request for flow %d: bind backlog full", f.FlowID)
		return m.sendControl(&Frame{Op: OpReset, OurPort: 0, TheirPort: f.FlowID})
	}
}
