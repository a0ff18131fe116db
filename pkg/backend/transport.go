// Package backend establishes the byte streams that browser channels are
// bridged to: an agent program run over SSH on a target host, or spawned
// locally on a socketpair.
package backend

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/sammck-go/wsgate/pkg/auth"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	"github.com/sammck-go/wsgate/pkg/wsproto"
	wgshare "github.com/sammck-go/wsgate/share"
	"golang.org/x/crypto/ssh"
)

// ExitCommandNotFound is the status a shell reports for a missing program
const ExitCommandNotFound = 127

// Transport is a duplex byte stream to a running agent. Reads return agent
// output and io.EOF once the agent has closed it; writes feed agent input.
type Transport interface {
	io.ReadWriteCloser

	// CloseWrite signals end of input to the agent
	wgshare.WriteHalfCloser

	// Wait blocks until the agent has exited and returns its exit error (nil for
	// status 0). It may be called more than once.
	Wait() error

	// HostKey returns the host key the transport was established with, or nil
	// for local agents
	HostKey() *hostkey.Record
}

// Request describes the transport a channel wants
type Request struct {
	Host     string
	Port     int
	Command  []string
	Identity *auth.Identity

	// HostKey, if not empty, is the only known_hosts line acceptable for Host
	HostKey string
}

// Bridge creates transports. Errors are *wsproto.Problem values carrying the
// reason reported to the browser.
type Bridge interface {
	Open(ctx context.Context, req *Request) (Transport, error)
}

// ExitStatus extracts the exit status from an error returned by Wait. ok is
// false if the agent did not exit normally (killed, or the connection dropped).
func ExitStatus(err error) (status int, ok bool) {
	if err == nil {
		return 0, true
	}
	var sshErr *ssh.ExitError
	if errors.As(err, &sshErr) {
		return sshErr.ExitStatus(), true
	}
	var execErr *exec.ExitError
	if errors.As(err, &execErr) {
		status = execErr.ExitCode()
		return status, status >= 0
	}
	return 0, false
}

// EndReason maps the end of an agent to a close reason: an agent that could not
// be found (status 127) before producing any output is no-agent, anything else
// is terminated.
func EndReason(waitErr error, producedOutput bool) wsproto.Reason {
	if status, ok := ExitStatus(waitErr); ok && status == ExitCommandNotFound && !producedOutput {
		return wsproto.ReasonNoAgent
	}
	return wsproto.ReasonTerminated
}

// startReadSize is the size of the first read made from a starting agent
const startReadSize = 32 * 1024

type firstRead struct {
	data []byte
	err  error
}

// startedTransport replays the first read made by AwaitStart before reading
// from the agent again. It supports a single reader.
type startedTransport struct {
	Transport
	first    chan firstRead
	taken    bool
	pending  []byte
	firstErr error
}

func (s *startedTransport) readFirst() {
	buf := make([]byte, startReadSize)
	n, err := s.Transport.Read(buf)
	s.first <- firstRead{data: buf[:n], err: err}
}

func (s *startedTransport) take(r firstRead) {
	s.taken = true
	s.pending = r.data
	s.firstErr = r.err
}

func (s *startedTransport) Read(p []byte) (int, error) {
	if !s.taken {
		s.take(<-s.first)
	}
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	if s.firstErr != nil {
		return 0, s.firstErr
	}
	return s.Transport.Read(p)
}

// AwaitStart waits until the agent behind t has written output, has exited, or
// has kept running for grace, whichever happens first. An agent that exits with
// status 127 before writing anything fails with a no-agent Problem. On failure
// t is closed and reaped. Otherwise the returned Transport replays whatever was
// read while waiting. A grace of zero or less returns t unchanged.
func AwaitStart(ctx context.Context, t Transport, grace time.Duration) (Transport, error) {
	if grace <= 0 {
		return t, nil
	}
	fail := func(err error) (Transport, error) {
		t.Close()
		t.Wait()
		return nil, err
	}
	s := &startedTransport{Transport: t, first: make(chan firstRead, 1)}
	go s.readFirst()
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case r := <-s.first:
		s.take(r)
		if len(r.data) > 0 || r.err == nil {
			return s, nil
		}
	case <-timer.C:
		return s, nil
	case <-ctx.Done():
		return fail(wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err()))
	}

	// output ended before anything was written; find out how the agent exited
	exited := make(chan error, 1)
	go func() {
		exited <- t.Wait()
	}()
	select {
	case err := <-exited:
		if EndReason(err, false) == wsproto.ReasonNoAgent {
			return fail(wsproto.NewProblem(wsproto.ReasonNoAgent, err))
		}
		return s, nil
	case <-timer.C:
		return s, nil
	case <-ctx.Done():
		return fail(wsproto.NewProblem(wsproto.ReasonNoHost, ctx.Err()))
	}
}
