package wsmux

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
)

// WriteHalfCloser is implemented by bidirectional streams whose write side
// can be shut down independently of the read side, corresponding to
// net.TCPConn.CloseWrite(). It allows protocols in which one peer writes a
// request, signals end-of-stream, then reads the response.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Stream is one full-duplex byte conduit multiplexed over the carrier,
// identified by the (local port, remote port) pair. It implements
// io.ReadWriteCloser plus CloseWrite for half-close.
//
// A Stream is not safe for concurrent Reads or concurrent Writes, but one
// reader goroutine and one writer goroutine may use it simultaneously.
// Close without a preceding CloseWrite aborts the stream with a Reset, like
// dropping a TCP socket with data in flight.
type Stream struct {
	*asyncobj.Helper

	mux       *Multiplexor
	localPort uint32

	// remotePort is known when the Stream is created (streams are created
	// only once the connect handshake has supplied it) and never changes.
	remotePort uint32

	// targetHost/targetPort identify the forwarding destination requested
	// by the peer's Connect. They are meaningful only on accepted streams.
	targetHost HostAddr
	targetPort uint16

	buf *streamBuffer

	// wmu guards the send window and the write-half state. credit carries
	// a signal whenever window grows or the write half dies.
	wmu        sync.Mutex
	window     int
	finishSent bool
	writeErr   error
	credit     chan struct{}

	// done is closed when the stream leaves the port table, releasing any
	// blocked writer.
	done     chan struct{}
	doneOnce sync.Once

	numRead    int64
	numWritten int64
}

func newStream(mux *Multiplexor, localPort, remotePort uint32, window int, host HostAddr, port uint16) *Stream {
	s := &Stream{
		mux:        mux,
		localPort:  localPort,
		remotePort: remotePort,
		targetHost: host,
		targetPort: port,
		buf:        newStreamBuffer(mux.cfg.WindowSize),
		window:     window,
		credit:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.Helper = asyncobj.NewHelper(mux.log.ForkLogf("Stream[%d->%d]", localPort, remotePort), s)
	s.SetIsActivated()
	return s
}

func (s *Stream) String() string {
	return fmt.Sprintf("Stream[%d->%d]", s.localPort, s.remotePort)
}

// LocalPort returns the port number this endpoint assigned to the stream.
func (s *Stream) LocalPort() uint32 { return s.localPort }

// RemotePort returns the port number the peer assigned to the stream.
func (s *Stream) RemotePort() uint32 { return s.remotePort }

// TargetHost returns the destination host requested by the peer's Connect.
// It is empty on streams this endpoint opened itself.
func (s *Stream) TargetHost() HostAddr { return s.targetHost }

// TargetPort returns the destination port requested by the peer's Connect.
func (s *Stream) TargetPort() uint16 { return s.targetPort }

// GetNumBytesRead returns the number of payload bytes delivered to Read so far.
func (s *Stream) GetNumBytesRead() int64 { return atomic.LoadInt64(&s.numRead) }

// GetNumBytesWritten returns the number of payload bytes accepted by Write so far.
func (s *Stream) GetNumBytesWritten() int64 { return atomic.LoadInt64(&s.numWritten) }

// Read delivers the next available bytes from the peer. It blocks until
// data arrives, the peer half-closes (io.EOF), the peer resets the stream
// (ErrStreamReset), or the carrier is lost (ErrCarrierLoss).
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, refill, err := s.buf.tryRead(p, s.mux.cfg.AckThreshold)
		if refill > 0 {
			s.mux.sendCredit(s.localPort, s.remotePort, uint32(refill))
		}
		if n > 0 {
			atomic.AddInt64(&s.numRead, int64(n))
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		<-s.buf.readable
	}
}

// Write hands p to the multiplexer, splitting it into Push frames no larger
// than the granted send window. It blocks while the window is exhausted or
// the outbound queue is over its byte cap, and returns once every byte has
// been queued (not necessarily sent on the carrier).
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, err := s.reserveWindow(len(p))
		if err != nil {
			return total, err
		}
		frame, err := EncodeFrame(&Frame{
			Op:        OpPush,
			OurPort:   s.localPort,
			TheirPort: s.remotePort,
			Payload:   p[:n],
		}, s.mux.cfg.MaxFramePayload)
		if err != nil {
			s.returnWindow(n)
			return total, err
		}
		if err := s.mux.sched.enqueueData(s.localPort, frame, s.done); err != nil {
			s.returnWindow(n)
			return total, s.writeError(err)
		}
		atomic.AddInt64(&s.numWritten, int64(n))
		total += n
		p = p[n:]
	}
	return total, nil
}

// reserveWindow blocks until at least one byte of send credit is available,
// then claims up to want bytes (bounded by the per-frame chunk size).
func (s *Stream) reserveWindow(want int) (int, error) {
	chunk := s.mux.cfg.WriteBudget
	if chunk > s.mux.cfg.MaxFramePayload {
		chunk = s.mux.cfg.MaxFramePayload
	}
	if want > chunk {
		want = chunk
	}
	for {
		s.wmu.Lock()
		if s.writeErr != nil {
			err := s.writeErr
			s.wmu.Unlock()
			return 0, err
		}
		if s.finishSent {
			s.wmu.Unlock()
			return 0, ErrWriteClosed
		}
		if s.window > 0 {
			n := want
			if n > s.window {
				n = s.window
			}
			s.window -= n
			s.wmu.Unlock()
			return n, nil
		}
		s.wmu.Unlock()
		select {
		case <-s.credit:
		case <-s.done:
			return 0, s.writeError(ErrClosed)
		}
	}
}

func (s *Stream) returnWindow(n int) {
	s.wmu.Lock()
	s.window += n
	s.wmu.Unlock()
}

// addCredit is called by the reader task when the peer grants send credit.
func (s *Stream) addCredit(n uint32) {
	s.wmu.Lock()
	s.window += int(n)
	s.wmu.Unlock()
	select {
	case s.credit <- struct{}{}:
	default:
	}
}

// failWrite terminates the write half with err and wakes a blocked writer.
func (s *Stream) failWrite(err error) {
	s.wmu.Lock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.wmu.Unlock()
	select {
	case s.credit <- struct{}{}:
	default:
	}
}

// writeError resolves the error to report from a failed write, preferring a
// previously recorded terminal status over the generic one.
func (s *Stream) writeError(err error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	return err
}

// markDone releases any blocked writer. Idempotent.
func (s *Stream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Flush blocks until every byte previously accepted by Write has left the
// outbound queue for the carrier. It does not wait for the peer to read.
func (s *Stream) Flush() error {
	for {
		if !s.mux.sched.flowPending(s.localPort) {
			return nil
		}
		select {
		case <-s.mux.sched.space:
		case <-s.done:
			return s.writeError(ErrClosed)
		}
	}
}

// CloseWrite half-closes the stream: a Finish frame is sent after any
// queued Push frames, and further Writes fail. The read half remains open
// until the peer finishes or resets.
func (s *Stream) CloseWrite() error {
	s.wmu.Lock()
	if s.finishSent || s.writeErr != nil {
		s.wmu.Unlock()
		return nil
	}
	s.finishSent = true
	s.wmu.Unlock()
	return s.mux.finishStream(s)
}

// Close tears the stream down. If both directions were already cleanly
// closed this is a no-op bookkeeping release; otherwise the peer receives a
// Reset and any buffered inbound data is discarded.
func (s *Stream) Close() error {
	s.StartShutdown(nil)
	return s.WaitShutdown()
}

// HandleOnceShutdown is called exactly once by the async shutdown helper.
func (s *Stream) HandleOnceShutdown(completionErr error) error {
	s.mux.closeStream(s, completionErr)
	return completionErr
}

// sendClosed reports whether CloseWrite has been called.
func (s *Stream) sendClosed() bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.finishSent
}
