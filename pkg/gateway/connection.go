package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/backend"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
)

const (
	// maxMessageSize is the largest frame accepted from the browser
	maxMessageSize = 16 * 1024 * 1024

	writeTimeout = 30 * time.Second
)

// Connection is one browser WebSocket, demultiplexed into Channels. A single
// goroutine reads and routes frames in arrival order; all writes go through
// one lock.
type Connection struct {
	wgshare.ShutdownHelper
	id       string
	gateway  *Gateway
	ws       *websocket.Conn
	identity *auth.Identity

	// ctx is the parent of every channel's context; cancelled at shutdown
	ctx    context.Context
	cancel context.CancelFunc

	writeLock   sync.Mutex
	writeFailed bool

	registryLock sync.Mutex
	channels     map[uint]*Channel
	// opened remembers every id that ever reached StateOpen
	opened  map[uint]bool
	closing bool

	channelStats wgshare.ConnStats

	// workers counts channel goroutines; read loop completion is readDone
	workers  sync.WaitGroup
	started  bool
	readDone chan struct{}
}

func newConnection(g *Gateway, ws *websocket.Conn, header http.Header) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		gateway:  g,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[uint]*Channel),
		opened:   make(map[uint]bool),
		readDone: make(chan struct{}),
	}
	c.InitShutdownHelper(g.Fork("conn#%d", g.connStats.New()), c)
	c.identity = g.resolver.ResolveConnection(header)
	ws.SetReadLimit(maxMessageSize)
	return c
}

// ID returns a unique id for the connection
func (c *Connection) ID() string {
	return c.id
}

// NumChannels returns the number of channels currently registered
func (c *Connection) NumChannels() int {
	c.registryLock.Lock()
	defer c.registryLock.Unlock()
	return len(c.channels)
}

// Run services the connection until the WebSocket fails, a protocol violation
// occurs or ctx is cancelled, and returns the completion status
func (c *Connection) Run(ctx context.Context) error {
	err := c.DoOnceActivate(
		func() error {
			c.ShutdownOnContext(ctx)
			c.gateway.connStats.Open()
			user := "(none)"
			if c.identity != nil {
				user = c.identity.User()
			}
			c.ILogf("Open %s, session user %s %s", c.id, user, c.gateway.connStats.String())
			c.started = true
			go c.readLoop()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	return c.WaitShutdown()
}

// HandleOnceShutdown closes every channel with a best-effort close message,
// then the WebSocket, then waits for all channel goroutines
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.registryLock.Lock()
	c.closing = true
	chans := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.registryLock.Unlock()

	reason := wsproto.ReasonTerminated
	if r, _ := wsproto.ReasonOf(completionErr, wsproto.ReasonTerminated); r == wsproto.ReasonProtocolError {
		reason = r
	}
	for _, ch := range chans {
		c.closeChannel(ch, reason, nil)
	}
	if reason == wsproto.ReasonProtocolError {
		c.sendControl(wsproto.CloseMessage(0, reason, nil))
	}

	c.writeLock.Lock()
	if !c.writeFailed {
		code := websocket.CloseNormalClosure
		if completionErr != nil {
			code = websocket.ClosePolicyViolation
		}
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	}
	c.writeFailed = true
	c.writeLock.Unlock()
	c.ws.Close()
	c.cancel()

	if c.started {
		<-c.readDone
		c.gateway.connStats.Close()
	}
	c.workers.Wait()
	if c.identity != nil {
		c.identity.Unref()
	}
	if completionErr != nil {
		c.ILogf("Closed: %s %s", completionErr, c.gateway.connStats.String())
	} else {
		c.ILogf("Closed %s", c.gateway.connStats.String())
	}
	return completionErr
}

func (c *Connection) readLoop() {
	defer close(c.readDone)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.IsStartedShutdown() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				c.DLogf("Peer closed: %s", err)
				err = nil
			} else {
				c.DLogf("Read failed: %s", err)
			}
			c.StartShutdown(err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.StartShutdown(err)
			return
		}
	}
}

func (c *Connection) violation(f string, args ...interface{}) error {
	err := wsproto.Problemf(wsproto.ReasonProtocolError, f, args...)
	c.WLogf("Protocol violation: %s", err)
	return err
}

// dispatch routes one frame without blocking. A non-nil error ends the
// connection.
func (c *Connection) dispatch(msg []byte) error {
	id, payload, err := wsproto.ParseFrame(msg)
	if err != nil {
		return c.violation("%s", err)
	}
	if id == wsproto.ControlChannel {
		return c.handleControl(payload)
	}
	c.registryLock.Lock()
	ch := c.channels[id]
	c.registryLock.Unlock()
	if ch == nil || ch.State() >= StateClosing {
		c.DLogf("Dropping %d bytes for channel %d which is not open", len(payload), id)
		return nil
	}
	if !ch.enqueue(payload) {
		ch.WLogf("Agent is not reading; closing with %s queued", sizestr.ToString(int64(ch.queuedBytes())))
		c.closeChannel(ch, wsproto.ReasonTerminated, nil)
	}
	return nil
}

func (c *Connection) handleControl(payload []byte) error {
	msg, err := wsproto.ParseControl(payload)
	if err != nil {
		return c.violation("%s", err)
	}
	c.TLogf("<- %s", msg)
	switch msg.Command {
	case wsproto.CommandOpen:
		return c.handleOpen(msg)
	case wsproto.CommandClose:
		c.handleClose(msg)
	default:
		c.WLogf("Ignoring unknown control command %q", msg.Command)
	}
	return nil
}

func (c *Connection) handleOpen(msg *wsproto.Control) error {
	id := msg.Channel
	if id == 0 {
		return c.violation("open without a channel")
	}
	c.registryLock.Lock()
	closing := c.closing
	_, exists := c.channels[id]
	reopen := c.opened[id]
	c.registryLock.Unlock()
	switch {
	case closing:
		return nil
	case exists:
		return c.violation("channel %d is already open", id)
	case reopen:
		return c.violation("channel %d was already used", id)
	}

	identity, err := c.gateway.resolver.ResolveChannel(c.identity, msg.Options)
	if err != nil {
		reason, options := wsproto.ReasonOf(err, wsproto.ReasonNoSession)
		c.ILogf("Refusing channel %d: %s", id, err)
		c.sendControl(wsproto.CloseMessage(id, reason, options))
		return err
	}

	host, port, err := c.gateway.target(msg.Get(wsproto.OptionHost))
	if err != nil {
		identity.Unref()
		c.DLogf("Channel %d: %s", id, err)
		c.sendControl(wsproto.CloseMessage(id, wsproto.ReasonNoHost, nil))
		return nil
	}
	req := &backend.Request{
		Host:     host,
		Port:     port,
		Command:  c.gateway.config.Agent,
		Identity: identity,
		HostKey:  msg.Get(wsproto.OptionHostKey),
	}
	ch := newChannel(c, id, identity, req)
	if msg.Has(wsproto.OptionPayload) {
		ch.ready = wsproto.NewControl(wsproto.CommandOpen, id).Set(wsproto.OptionPayload, msg.Get(wsproto.OptionPayload))
	} else {
		ch.ready = wsproto.NewControl(wsproto.CommandOpen, id)
	}

	c.registryLock.Lock()
	if c.closing {
		c.registryLock.Unlock()
		ch.cancel()
		identity.Unref()
		return nil
	}
	c.channels[id] = ch
	c.workers.Add(1)
	c.registryLock.Unlock()

	c.channelStats.New()
	c.channelStats.Open()
	ch.DLogf("Pending open %s", c.channelStats.String())
	go ch.establish(c.gateway.config.OpenTimeout.Duration)
	return nil
}

func (c *Connection) handleClose(msg *wsproto.Control) {
	c.registryLock.Lock()
	ch := c.channels[msg.Channel]
	c.registryLock.Unlock()
	if ch == nil {
		c.DLogf("Ignoring close of channel %d which is not open", msg.Channel)
		return
	}
	c.closeChannel(ch, wsproto.Reason(msg.Get(wsproto.OptionReason)), nil)
}

// channelReady is called when ch's transport is up. If ch was closed while it
// was being established the transport is discarded.
func (c *Connection) channelReady(ch *Channel, t backend.Transport) {
	c.registryLock.Lock()
	if c.channels[ch.id] != ch || c.closing || ch.State() != StatePendingOpen {
		c.registryLock.Unlock()
		ch.DLogf("Closed while opening; discarding transport")
		t.Close()
		t.Wait()
		return
	}
	ch.transport = t
	c.opened[ch.id] = true
	ch.setState(StateOpen)
	c.workers.Add(2)
	c.registryLock.Unlock()

	if rec := t.HostKey(); rec != nil {
		ch.DLogf("Open, host key %s", rec)
	} else {
		ch.DLogf("Open")
	}
	c.sendChannelControl(ch, ch.ready)
	go ch.relayInbound()
	go ch.relayOutbound()
}

// channelFailed is called when ch's transport could not be established
func (c *Connection) channelFailed(ch *Channel, err error, timedOut bool) {
	reason, options := wsproto.ReasonOf(err, wsproto.ReasonInternalError)
	if timedOut {
		reason, options = wsproto.ReasonNoHost, nil
	}
	if c.closeChannel(ch, reason, options) {
		ch.ILogf("Open failed: %s", err)
	}
}

// closeChannel removes ch from the registry, tears it down and tells the
// browser. It returns false, doing nothing, if ch was already closed.
func (c *Connection) closeChannel(ch *Channel, reason wsproto.Reason, options map[string]string) bool {
	c.registryLock.Lock()
	if c.channels[ch.id] != ch {
		c.registryLock.Unlock()
		return false
	}
	ch.setState(StateClosing)
	delete(c.channels, ch.id)
	c.registryLock.Unlock()

	ch.teardown()
	ch.identity.Unref()
	ch.setState(StateClosed)
	c.sendControl(wsproto.CloseMessage(ch.id, reason, options))
	c.channelStats.Close()

	ch.DLogf("Closed (%s) after %s: sent %s, received %s %s",
		reason,
		time.Since(ch.created).Round(time.Millisecond),
		sizestr.ToString(atomic.LoadInt64(&ch.bytesOut)),
		sizestr.ToString(atomic.LoadInt64(&ch.bytesIn)),
		c.channelStats.String())
	return true
}

// writeFrame sends one frame. Must be called with writeLock held.
func (c *Connection) writeFrame(frame []byte) {
	if c.writeFailed {
		return
	}
	messageType := websocket.BinaryMessage
	if utf8.Valid(frame) {
		messageType = websocket.TextMessage
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(messageType, frame); err != nil {
		c.writeFailed = true
		c.DLogf("Write failed: %s", err)
		c.StartShutdown(err)
	}
}

func (c *Connection) sendControl(msg *wsproto.Control) {
	frame, err := msg.Frame()
	if err != nil {
		c.ELogf("Unable to encode %s: %s", msg, err)
		return
	}
	c.TLogf("-> %s", msg)
	c.writeLock.Lock()
	c.writeFrame(frame)
	c.writeLock.Unlock()
}

// sendChannelControl sends msg only if ch is still open when the write lock is
// taken, so it can never follow ch's close message
func (c *Connection) sendChannelControl(ch *Channel, msg *wsproto.Control) {
	frame, err := msg.Frame()
	if err != nil {
		c.ELogf("Unable to encode %s: %s", msg, err)
		return
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if ch.State() != StateOpen {
		return
	}
	c.TLogf("-> %s", msg)
	c.writeFrame(frame)
}

// sendData frames agent output for ch. Output for a channel that is no longer
// open is dropped.
func (c *Connection) sendData(ch *Channel, data []byte) {
	frame := wsproto.BuildFrame(ch.id, data)
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if ch.State() != StateOpen {
		ch.TLogf("Dropping %d bytes after close", len(data))
		return
	}
	c.writeFrame(frame)
}
