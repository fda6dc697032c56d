package grpclink

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

// peer is one connected guest's outbound queue. The stream goroutine drains
// it; Send never blocks on a slow guest.
type peer struct {
	id     lobby.ConnID
	queue  chan *structpb.Struct
	mu     sync.Mutex
	closed bool
}

// newPeer creates a peer with an open queue.
//
// Precondition: id must be non-empty.
func newPeer(id lobby.ConnID, bufferSize int) *peer {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &peer{
		id:    id,
		queue: make(chan *structpb.Struct, bufferSize),
	}
}

// push enqueues env for delivery.
//
// Postcondition: env is queued, or an error wrapping lobby.ErrPeerDisconnected
// is returned if the peer is closed or its queue is full.
func (p *peer) push(env *structpb.Struct) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("connection %s: %w", p.id, lobby.ErrPeerDisconnected)
	}
	select {
	case p.queue <- env:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full: %w", p.id, lobby.ErrPeerDisconnected)
	}
}

// outbound returns the queue the stream goroutine drains.
func (p *peer) outbound() <-chan *structpb.Struct {
	return p.queue
}

// close closes the queue. Later pushes fail.
func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}
