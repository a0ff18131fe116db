package wgshare

import (
	"context"
	"sync"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to activate
// an object managed by a ShutdownHelper. If it returns an error the object is
// not activated and shutdown begins immediately with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object managed by ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take
	// completionError as an advisory completion value, actually shut down, then return the
	// real completion value. It is never called while shutdown is paused.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous shutdown
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the object
	// has already been scheduled for shutdown, it has no effect.
	// completionErr is an advisory error (or nil) to use as the completion status
	// from WaitShutdown().
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous shutdown for an
// object that implements OnceShutdownHandler. Shutdown proceeds as:
//
//	StartShutdown -> (wait for pause count 0) -> HandleOnceShutdown ->
//	shut down registered children -> wait for ShutdownWG -> done
type ShutdownHelper struct {
	// Logger is the Logger used for log output from this helper and its owner
	Logger

	// Lock is a general-purpose mutex for this helper; it may be used
	// by the owning object as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	// shutdownPauseCount is the number of ResumeShutdown() calls needed before
	// shutdown can commence
	shutdownPauseCount int

	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr holds the advisory, then final, completion status
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on before shutdown is considered complete
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a new ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown runs shutdown in the background. Must be called exactly
// once, after isStartedShutdown has been set under the lock.
func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		h.Lock.Lock()
		advisoryErr := h.shutdownErr
		h.Lock.Unlock()
		finalErr := h.shutdownHandler.HandleOnceShutdown(advisoryErr)
		h.Lock.Lock()
		h.shutdownErr = finalErr
		h.Lock.Unlock()
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from starting until a matching ResumeShutdown.
// Returns an error if shutdown has already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("Shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// ResumeShutdown decrements the shutdown pause count, and if it becomes zero, allows
// a scheduled shutdown to start
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Activate sets the "activated" flag for this helper. Does nothing
// if already activated. Fails if shutdown has already been started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("Cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate runs onceActivateHandler with shutdown paused and activates the
// object if it succeeds. On failure shutdown is started with the error, and if
// waitOnFail is true, DoOnceActivate waits for shutdown to complete before returning.
// If the object is already activated it returns nil without calling the handler.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("Shutdown already started; cannot Activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext starts shutdown with the context's error when ctx is done.
// It does not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to return true after shutdown
// is complete
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownWG returns a sync.WaitGroup that defers final completion of shutdown
// until each Add() is matched by a Done()
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan returns a channel that will be closed as soon as shutdown is initiated
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that will be closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the shutdown status.
// It does not initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown initiates shutdown if it has not already started, waits for it to
// complete, then returns the final shutdown status
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. Only the first call
// has any effect. If shutdown is paused, the actual start is deferred until the
// pause count reaches zero.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with an advisory completion status of nil, and returns the final
// completion status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers a child that will be shut down, with the status returned
// from HandleOnceShutdown as advisory status, before this object's shutdown is
// considered complete
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
