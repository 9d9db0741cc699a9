package wsmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sammck-go/asyncobj"
)

// Datagram is one UDP message as carried over the mux, tagged with the
// target (outbound) or origin (inbound) host and port.
type Datagram struct {
	Host    HostAddr
	Port    uint16
	Payload []byte
}

// DatagramChannel is a message-oriented conduit bound to one source port.
// All datagrams this endpoint sends through the channel carry its source
// port, and all inbound datagrams tagged with that source port are queued
// for Recv. Delivery is unreliable: sends are dropped when the outbound
// queue stays saturated, and inbound datagrams are dropped when the
// channel's bounded receive queue is full.
type DatagramChannel struct {
	*asyncobj.Helper

	mux        *Multiplexor
	sourcePort uint32

	// localPort is true when this endpoint allocated sourcePort (and must
	// release it); false for channels created by inbound traffic.
	localPort bool

	recvQ chan Datagram

	// dead is closed when the channel is torn down, releasing blocked
	// receivers.
	dead     chan struct{}
	deadOnce sync.Once
}

func newDatagramChannel(mux *Multiplexor, sourcePort uint32, localPort bool) *DatagramChannel {
	ch := &DatagramChannel{
		mux:        mux,
		sourcePort: sourcePort,
		localPort:  localPort,
		recvQ:      make(chan Datagram, mux.cfg.DatagramQueueDepth),
		dead:       make(chan struct{}),
	}
	ch.Helper = asyncobj.NewHelper(mux.log.ForkLogf("DgramChan[%d]", sourcePort), ch)
	ch.SetIsActivated()
	return ch
}

func (ch *DatagramChannel) String() string {
	return fmt.Sprintf("DgramChan[%d]", ch.sourcePort)
}

// SourcePort returns the source port this channel is bound to.
func (ch *DatagramChannel) SourcePort() uint32 { return ch.sourcePort }

// Send queues one datagram for host:port. It never blocks longer than the
// configured enqueue timeout; past it the datagram is dropped and
// ErrQueueFull is returned.
func (ch *DatagramChannel) Send(host HostAddr, port uint16, payload []byte) error {
	if ch.IsStartedShutdown() {
		return ErrClosed
	}
	frame, err := EncodeFrame(&Frame{
		Op:         OpDatagram,
		FlowID:     ch.sourcePort,
		TargetHost: host,
		TargetPort: port,
		Payload:    payload,
	}, ch.mux.cfg.MaxFramePayload)
	if err != nil {
		return err
	}
	ch.mux.dgram.touch(ch)
	return ch.mux.sched.enqueueDataTimeout(ch.sourcePort, frame, ch.mux.cfg.DatagramEnqueueTimeout)
}

// Recv blocks until the next datagram for this source port arrives, the
// context is cancelled, or the channel is torn down.
func (ch *DatagramChannel) Recv(ctx context.Context) (Datagram, error) {
	// drain queued datagrams even if teardown has begun
	select {
	case d := <-ch.recvQ:
		ch.mux.dgram.touch(ch)
		return d, nil
	default:
	}
	select {
	case d := <-ch.recvQ:
		ch.mux.dgram.touch(ch)
		return d, nil
	case <-ch.dead:
		return Datagram{}, ch.recvErr()
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

func (ch *DatagramChannel) recvErr() error {
	if err := ch.mux.teardownReason(); err != nil {
		return err
	}
	return ErrClosed
}

// deliver enqueues an inbound datagram, dropping it if the queue is full.
// Called only by the dispatcher while it owns the channel.
func (ch *DatagramChannel) deliver(d Datagram) bool {
	select {
	case ch.recvQ <- d:
		return true
	default:
		return false
	}
}

// Close tears the channel down and releases its source port.
func (ch *DatagramChannel) Close() error {
	ch.StartShutdown(nil)
	return ch.WaitShutdown()
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (ch *DatagramChannel) HandleOnceShutdown(completionErr error) error {
	ch.deadOnce.Do(func() { close(ch.dead) })
	ch.mux.dgram.forget(ch)
	return completionErr
}

// datagramDispatcher owns the mapping from source port to channel. Channels
// are created lazily on first send or first inbound datagram and reaped by
// idle timeout or LRU displacement.
type datagramDispatcher struct {
	mux *Multiplexor

	// table is the authoritative channel map. Its evict hook fires for
	// both idle-TTL expiry and LRU displacement.
	table *expirable.LRU[uint32, *DatagramChannel]

	// inbound announces channels created by remote traffic, for the
	// accept loop of a forwarding server.
	inbound chan *DatagramChannel
}

func newDatagramDispatcher(mux *Multiplexor) *datagramDispatcher {
	d := &datagramDispatcher{
		mux:     mux,
		inbound: make(chan *DatagramChannel, mux.cfg.AcceptBacklog),
	}
	d.table = expirable.NewLRU[uint32, *DatagramChannel](
		mux.cfg.DatagramChannelMax, d.onEvict, mux.cfg.DatagramIdleTimeout)
	return d
}

func (d *datagramDispatcher) onEvict(sourcePort uint32, ch *DatagramChannel) {
	ch.mux.log.DLogf("reaping idle datagram channel %d", sourcePort)
	if ch.localPort {
		d.mux.ports.free(sourcePort)
	}
	ch.StartShutdown(nil)
}

// open creates a channel on a locally allocated source port.
func (d *datagramDispatcher) open() (*DatagramChannel, error) {
	port, err := d.mux.ports.alloc()
	if err != nil {
		return nil, err
	}
	ch := newDatagramChannel(d.mux, port, true)
	d.table.Add(port, ch)
	return ch, nil
}

// deliver routes one inbound Datagram frame, creating the channel if the
// source port is new. A full channel queue drops the datagram without
// affecting other channels.
func (d *datagramDispatcher) deliver(f *Frame) {
	select {
	case <-d.mux.dead:
		return
	default:
	}
	ch, ok := d.table.Get(f.FlowID)
	if !ok {
		ch = newDatagramChannel(d.mux, f.FlowID, false)
		d.table.Add(f.FlowID, ch)
		select {
		case d.inbound <- ch:
		default:
			// nobody accepting inbound channels fast enough; the
			// channel still exists and can be fetched by port
			d.mux.log.DLogf("inbound datagram channel %d not announced (backlog full)", f.FlowID)
		}
	}
	if !ch.deliver(Datagram{Host: f.TargetHost, Port: f.TargetPort, Payload: f.Payload}) {
		d.mux.log.DLogf("dropped datagram for full channel %d", f.FlowID)
	}
}

// channel returns the channel bound to sourcePort, creating it (without
// allocating the port locally) if needed. Used by forwarding servers that
// learned a flow id out of band, e.g. from a granted Bind request.
func (d *datagramDispatcher) channel(sourcePort uint32) *DatagramChannel {
	if ch, ok := d.table.Get(sourcePort); ok {
		return ch
	}
	ch := newDatagramChannel(d.mux, sourcePort, false)
	d.table.Add(sourcePort, ch)
	return ch
}

// touch refreshes the channel's idle timer.
func (d *datagramDispatcher) touch(ch *DatagramChannel) {
	if _, ok := d.table.Get(ch.sourcePort); ok {
		d.table.Add(ch.sourcePort, ch)
	}
}

// forget removes the channel on local close.
func (d *datagramDispatcher) forget(ch *DatagramChannel) {
	if cur, ok := d.table.Peek(ch.sourcePort); ok && cur == ch {
		d.table.Remove(ch.sourcePort)
	}
}

// shutdown tears down every channel (carrier loss or mux close).
func (d *datagramDispatcher) shutdown() {
	for _, ch := range d.table.Values() {
		ch.StartShutdown(nil)
	}
	d.table.Purge()
}
