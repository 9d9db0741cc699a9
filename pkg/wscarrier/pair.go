package wscarrier

import (
	"sync"

	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// pairEnd is one side of an in-memory carrier pair. Messages are copied
// through bounded queues; closing either end delivers a normal close to the
// peer after queued messages drain.
type pairEnd struct {
	sendQ chan []byte
	recvQ chan []byte

	mu       sync.Mutex
	closed   bool
	peerDead chan struct{}
	selfDead chan struct{}
}

// pairDepth is the queue depth of each direction of an in-memory pair; deep
// enough that tests exercising flow control are limited by mux credits, not
// by the fake carrier.
const pairDepth = 1024

// NewPair returns two connected in-memory carriers, a and b: messages
// written to one are read from the other, in order. It exists for tests and
// for loopback wiring.
func NewPair() (wsmux.Carrier, wsmux.Carrier) {
	ab := make(chan []byte, pairDepth)
	ba := make(chan []byte, pairDepth)
	aDead := make(chan struct{})
	bDead := make(chan struct{})
	a := &pairEnd{sendQ: ab, recvQ: ba, selfDead: aDead, peerDead: bDead}
	b := &pairEnd{sendQ: ba, recvQ: ab, selfDead: bDead, peerDead: aDead}
	return a, b
}

func (p *pairEnd) ReadMessage() ([]byte, error) {
	// drain messages queued before the peer closed
	select {
	case data := <-p.recvQ:
		return data, nil
	default:
	}
	select {
	case data := <-p.recvQ:
		return data, nil
	case <-p.peerDead:
		// one more drain so a close racing a send cannot drop the send
		select {
		case data := <-p.recvQ:
			return data, nil
		default:
		}
		return nil, wsmux.ErrCarrierNormalClose
	case <-p.selfDead:
		return nil, wsmux.ErrCarrierNormalClose
	}
}

func (p *pairEnd) WriteMessage(data []byte) error {
	// copy: the caller may reuse its buffer after we return
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case p.sendQ <- msg:
		return nil
	case <-p.selfDead:
		return wsmux.ErrCarrierNormalClose
	case <-p.peerDead:
		return wsmux.ErrCarrierNormalClose
	}
}

func (p *pairEnd) Close(normal bool) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.selfDead)
	}
	p.mu.Unlock()
	return nil
}
