package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/backend"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

// ChannelState is the lifecycle state of a Channel
type ChannelState int32

// Channel states. A channel only moves forward through these.
const (
	StatePendingOpen ChannelState = iota
	StateOpen
	StateClosing
	StateClosed
)

var channelStateNames = [...]string{"pending-open", "open", "closing", "closed"}

func (s ChannelState) String() string {
	if s < StatePendingOpen || s > StateClosed {
		return "unknown"
	}
	return channelStateNames[s]
}

// relayChunkSize is the largest payload read from an agent into one frame
const relayChunkSize = 32 * 1024

// maxInboundBytes caps the browser data buffered for a channel whose agent is
// not yet running or is slow to read. A channel that exceeds it is closed.
const maxInboundBytes = 16 * 1024 * 1024

// Channel is one logical stream within a Connection, bridged to a Transport
type Channel struct {
	wgshare.Logger
	id       uint
	conn     *Connection
	identity *auth.Identity
	request  *backend.Request
	ready    *wsproto.Control
	state    int32
	created  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// done is closed when the channel starts closing; it stops the inbound relay
	done     chan struct{}
	doneOnce sync.Once

	inboundLock  sync.Mutex
	inbound      [][]byte
	inboundBytes int
	inboundReady chan struct{}

	// transport is set once, under the connection's registry lock
	transport backend.Transport

	bytesIn  int64
	bytesOut int64
}

func newChannel(conn *Connection, id uint, identity *auth.Identity, request *backend.Request) *Channel {
	ctx, cancel := context.WithCancel(conn.ctx)
	return &Channel{
		Logger:   conn.Fork("ch#%d", id),
		id:       id,
		conn:     conn,
		identity: identity,
		request:  request,
		state:    int32(StatePendingOpen),
		created:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),

		inboundReady: make(chan struct{}, 1),
	}
}

// ID returns the channel number
func (ch *Channel) ID() uint {
	return ch.id
}

// State returns the current lifecycle state
func (ch *Channel) State() ChannelState {
	return ChannelState(atomic.LoadInt32(&ch.state))
}

func (ch *Channel) setState(s ChannelState) {
	atomic.StoreInt32(&ch.state, int32(s))
}

// Identity returns the identity the channel acts as
func (ch *Channel) Identity() *auth.Identity {
	return ch.identity
}

// enqueue queues a payload for the agent without blocking. It returns false,
// queueing nothing, if the agent has left maxInboundBytes unconsumed.
func (ch *Channel) enqueue(payload []byte) bool {
	ch.inboundLock.Lock()
	if ch.inboundBytes+len(payload) > maxInboundBytes {
		ch.inboundLock.Unlock()
		return false
	}
	ch.inbound = append(ch.inbound, payload)
	ch.inboundBytes += len(payload)
	ch.inboundLock.Unlock()
	select {
	case ch.inboundReady <- struct{}{}:
	default:
	}
	return true
}

// dequeue takes every queued payload
func (ch *Channel) dequeue() [][]byte {
	ch.inboundLock.Lock()
	defer ch.inboundLock.Unlock()
	queued := ch.inbound
	ch.inbound = nil
	return queued
}

func (ch *Channel) consumed(n int) {
	ch.inboundLock.Lock()
	ch.inboundBytes -= n
	ch.inboundLock.Unlock()
}

// queuedBytes returns the number of bytes received for the agent but not yet
// written to it
func (ch *Channel) queuedBytes() int {
	ch.inboundLock.Lock()
	defer ch.inboundLock.Unlock()
	return ch.inboundBytes
}

// teardown cancels establishment, closes the transport and wakes the relays.
// Called exactly once, by Connection.closeChannel.
func (ch *Channel) teardown() {
	ch.doneOnce.Do(func() { close(ch.done) })
	ch.cancel()
	ch.conn.registryLock.Lock()
	t := ch.transport
	ch.conn.registryLock.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			ch.TLogf("transport close: %s", err)
		}
	}
}

// establish requests a transport from the bridge and reports the outcome to the
// connection
func (ch *Channel) establish(timeout time.Duration) {
	defer ch.conn.workers.Done()
	ctx := ch.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ch.DLogf("Opening %s:%d for %s", ch.request.Host, ch.request.Port, ch.identity)
	t, err := ch.conn.gateway.bridge.Open(ctx, ch.request)
	if err == nil {
		// not ready until the agent is known to be running
		t, err = backend.AwaitStart(ctx, t, ch.conn.gateway.config.AgentStartGrace.Duration)
	}
	if err == nil && ctx.Err() != nil && ch.ctx.Err() == nil {
		// established after the deadline
		t.Close()
		t.Wait()
		t, err = nil, ctx.Err()
	}
	if err != nil {
		ch.conn.channelFailed(ch, err, ctx.Err() == context.DeadlineExceeded)
		return
	}
	ch.conn.channelReady(ch, t)
}

// relayInbound feeds queued payloads to the agent
func (ch *Channel) relayInbound() {
	defer ch.conn.workers.Done()
	for {
		for _, payload := range ch.dequeue() {
			if _, err := ch.transport.Write(payload); err != nil {
				ch.DLogf("Write to agent failed: %s", err)
				return
			}
			atomic.AddInt64(&ch.bytesIn, int64(len(payload)))
			ch.consumed(len(payload))
		}
		select {
		case <-ch.done:
			return
		case <-ch.inboundReady:
		}
	}
}

// relayOutbound frames agent output until it ends, then closes the channel
// with the reason the agent ended
func (ch *Channel) relayOutbound() {
	defer ch.conn.workers.Done()
	buf := make([]byte, relayChunkSize)
	produced := false
	for {
		n, err := ch.transport.Read(buf)
		if n > 0 {
			produced = true
			atomic.AddInt64(&ch.bytesOut, int64(n))
			ch.conn.sendData(ch, buf[:n])
		}
		if err != nil {
			ch.TLogf("Agent output ended: %s", err)
			break
		}
	}
	// always reap the agent, even if the channel was closed from our side
	reason := backend.EndReason(ch.transport.Wait(), produced)
	ch.conn.closeChannel(ch, reason, nil)
}
