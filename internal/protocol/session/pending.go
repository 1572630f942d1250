package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/danmuck/peerctl/internal/protocol"
)

var ErrSessionClosed = errors.New("session: closed")

// Pending maps outstanding request ids to their waiting callers. Ids are
// issued by the table so a response can only resolve an id this side sent.
type Pending struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]chan protocol.Response
	err    error
}

func NewPending() *Pending {
	return &Pending{
		calls: make(map[uint64]chan protocol.Response),
	}
}

// Register allocates an id and the channel its response will arrive on.
// The channel is closed without a value when the table is closed.
func (p *Pending) Register() (uint64, <-chan protocol.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, nil, p.err
	}
	p.nextID++
	id := p.nextID
	ch := make(chan protocol.Response, 1)
	p.calls[id] = ch
	return id, ch, nil
}

// Resolve delivers resp to its caller. It reports false for ids that were
// never issued or are no longer waiting.
func (p *Pending) Resolve(resp protocol.Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Cancel forgets id; a late response for it is then unknown.
func (p *Pending) Cancel(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calls, id)
}

// Close fails every waiting caller and rejects new registrations.
func (p *Pending) Close(err error) {
	if err == nil {
		err = ErrSessionClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	p.err = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

// Err is the close cause, nil while the table is open.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) IDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.calls))
	for id := range p.calls {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
