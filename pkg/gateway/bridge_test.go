package gateway

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/wsgate/pkg/backend"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	"github.com/sammck-go/wsgate/pkg/wsproto"
)

// fakeBridge hands out in-memory echo transports, or blocks until the request
// is cancelled
type fakeBridge struct {
	lock       sync.Mutex
	block      bool
	fail       error
	stalled    bool
	late       time.Duration
	requests   []*backend.Request
	transports []*pipeTransport
	cancelled  chan struct{}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{cancelled: make(chan struct{}, 16)}
}

func (b *fakeBridge) Open(ctx context.Context, req *backend.Request) (backend.Transport, error) {
	b.lock.Lock()
	b.requests = append(b.requests, req)
	block, fail, stalled, late := b.block, b.fail, b.stalled, b.late
	b.lock.Unlock()
	if block {
		<-ctx.Done()
		b.cancelled <- struct{}{}
		return nil, wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err())
	}
	if fail != nil {
		return nil, fail
	}
	// a slow target that ignores ctx
	time.Sleep(late)
	t := newPipeTransport(stalled)
	b.lock.Lock()
	b.transports = append(b.transports, t)
	b.lock.Unlock()
	return t, nil
}

func (b *fakeBridge) setBlock(block bool) {
	b.lock.Lock()
	b.block = block
	b.lock.Unlock()
}

func (b *fakeBridge) setStalled(stalled bool) {
	b.lock.Lock()
	b.stalled = stalled
	b.lock.Unlock()
}

func (b *fakeBridge) setLate(late time.Duration) {
	b.lock.Lock()
	b.late = late
	b.lock.Unlock()
}

func (b *fakeBridge) request(i int) *backend.Request {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.requests[i]
}

func (b *fakeBridge) transport(i int) *pipeTransport {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.transports[i]
}

func (b *fakeBridge) numTransports() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.transports)
}

// pipeTransport is an agent on one end of a net.Pipe. It echoes its input,
// or if stalled never reads it.
type pipeTransport struct {
	net.Conn
	agent     net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	waited    chan struct{}
	waitOnce  sync.Once
}

func newPipeTransport(stalled bool) *pipeTransport {
	ours, agent := net.Pipe()
	t := &pipeTransport{
		Conn:   ours,
		agent:  agent,
		closed: make(chan struct{}),
		exited: make(chan struct{}),
		waited: make(chan struct{}),
	}
	go func() {
		if stalled {
			<-t.closed
		} else {
			io.Copy(agent, agent)
		}
		agent.Close()
		close(t.exited)
	}()
	return t
}

// kill makes the agent die
func (t *pipeTransport) kill() {
	t.agent.Close()
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.Conn.Close()
}

func (t *pipeTransport) CloseWrite() error {
	return nil
}

func (t *pipeTransport) Wait() error {
	<-t.exited
	t.waitOnce.Do(func() { close(t.waited) })
	return nil
}

func (t *pipeTransport) HostKey() *hostkey.Record {
	return nil
}
