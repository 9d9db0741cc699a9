package wsmux

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// outScheduler is the single serializer feeding the carrier writer. Control
// frames (connection setup and teardown, credit, keep-alive) preempt data;
// Push and Datagram frames are drained round-robin across per-flow queues
// with a bounded per-turn byte budget so one busy stream cannot starve the
// others. The writer task is the only consumer.
//
// Backpressure: the total bytes of queued data frames are capped; enqueueData
// blocks all writers uniformly until the writer task drains below the cap.
// Datagram senders use enqueueDataTimeout instead and drop on timeout.
type outScheduler struct {
	mu sync.Mutex

	control [][]byte

	flows map[uint32]*flowQueue
	ring  []*flowQueue

	// rr is the ring cursor; turnUsed counts bytes issued to ring[rr] in
	// its current turn.
	rr       int
	turnUsed int

	dataBytes int
	limit     int
	budget    int

	err    error
	closed bool

	// notify wakes the writer; space wakes blocked producers. Both carry
	// at most one pending signal; waiters re-check state in a loop. done
	// is closed on shutdown to release every waiter at once.
	notify chan struct{}
	space  chan struct{}
	done   chan struct{}

	clk clock.Clock
}

type flowQueue struct {
	id     uint32
	frames [][]byte
}

func newOutScheduler(limit, budget int, clk clock.Clock) *outScheduler {
	return &outScheduler{
		flows:  make(map[uint32]*flowQueue),
		limit:  limit,
		budget: budget,
		notify: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		clk:    clk,
	}
}

func (s *outScheduler) wakeWriter() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *outScheduler) wakeProducers() {
	select {
	case s.space <- struct{}{}:
	default:
	}
}

// enqueueControl queues a control frame. Control frames are never subject to
// the data byte cap and never block.
func (s *outScheduler) enqueueControl(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.control = append(s.control, frame)
	s.mu.Unlock()
	s.wakeWriter()
	return nil
}

// enqueueData queues a data frame for flow id, blocking while the outbound
// byte cap is exceeded. cancel aborts the wait (stream shutdown).
func (s *outScheduler) enqueueData(id uint32, frame []byte, cancel <-chan struct{}) error {
	for {
		s.mu.Lock()
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if s.dataBytes < s.limit {
			s.put(id, frame)
			s.mu.Unlock()
			s.wakeWriter()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-s.space:
		case <-s.done:
		case <-cancel:
			return ErrClosed
		}
	}
}

// enqueueDataTimeout is enqueueData with a deadline instead of a cancel
// channel; it reports ErrQueueFull when the deadline passes first.
func (s *outScheduler) enqueueDataTimeout(id uint32, frame []byte, timeout time.Duration) error {
	var timer *clock.Timer
	var expired <-chan time.Time
	for {
		s.mu.Lock()
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return err
		}
		if s.dataBytes < s.limit {
			s.put(id, frame)
			s.mu.Unlock()
			s.wakeWriter()
			if timer != nil {
				timer.Stop()
			}
			return nil
		}
		s.mu.Unlock()
		if timer == nil {
			timer = s.clk.Timer(timeout)
			expired = timer.C
		}
		select {
		case <-s.space:
		case <-s.done:
		case <-expired:
			return ErrQueueFull
		}
	}
}

// put must be called with the lock held.
func (s *outScheduler) put(id uint32, frame []byte) {
	fq := s.flows[id]
	if fq == nil {
		fq = &flowQueue{id: id}
		s.flows[id] = fq
		s.ring = append(s.ring, fq)
	}
	fq.frames = append(fq.frames, frame)
	s.dataBytes += len(frame)
}

// next returns the next frame to write, honoring control preemption and
// round-robin fairness. ok is false when nothing is queued; the writer then
// waits on notify. After shutdown, next returns ok=false forever.
func (s *outScheduler) next() (frame []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if len(s.control) > 0 {
		frame = s.control[0]
		s.control = s.control[1:]
		return frame, true
	}
	for range s.ring {
		fq := s.ring[s.rr]
		if len(fq.frames) == 0 {
			// lazily retire idle flows so the ring stays small
			s.removeFlowAt(s.rr)
			continue
		}
		frame = fq.frames[0]
		fq.frames = fq.frames[1:]
		s.dataBytes -= len(frame)
		s.turnUsed += len(frame)
		if len(fq.frames) == 0 {
			s.removeFlowAt(s.rr)
		} else if s.turnUsed >= s.budget {
			s.advance()
		}
		s.wakeProducers()
		return frame, true
	}
	return nil, false
}

// removeFlowAt must be called with the lock held. It drops ring[i] and fixes
// the cursor; the flow's turn ends with it.
func (s *outScheduler) removeFlowAt(i int) {
	fq := s.ring[i]
	delete(s.flows, fq.id)
	s.ring = append(s.ring[:i], s.ring[i+1:]...)
	if s.rr >= len(s.ring) {
		s.rr = 0
	}
	s.turnUsed = 0
}

// advance must be called with the lock held.
func (s *outScheduler) advance() {
	s.rr++
	if s.rr >= len(s.ring) {
		s.rr = 0
	}
	s.turnUsed = 0
}

// flowPending reports whether any frame is still queued for flow id.
func (s *outScheduler) flowPending(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fq := s.flows[id]
	return fq != nil && len(fq.frames) > 0
}

// dropFlow discards any queued data frames for flow id (stream reset).
func (s *outScheduler) dropFlow(id uint32) {
	s.mu.Lock()
	fq := s.flows[id]
	if fq != nil {
		for _, f := range fq.frames {
			s.dataBytes -= len(f)
		}
		fq.frames = nil
	}
	s.mu.Unlock()
	s.wakeProducers()
}

// shutdown fails the scheduler: producers and the writer unblock, and every
// subsequent enqueue returns err.
func (s *outScheduler) shutdown(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if err == nil {
			err = ErrClosed
		}
		s.err = err
		s.control = nil
		s.flows = make(map[uint32]*flowQueue)
		s.ring = nil
		s.dataBytes = 0
		close(s.done)
	}
	s.mu.Unlock()
	s.wakeWriter()
	s.wakeProducers()
}
