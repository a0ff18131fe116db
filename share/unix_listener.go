package wgshare

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// UnixAddrPrefix marks a listen address as a unix domain socket path
const UnixAddrPrefix = "unix:"

// UnixListener listens on a unix domain socket while holding an flock on a
// "<path>.lock" file next to it. The lock stops two gateways from serving the
// same socket, yet lets a stale socket left by a crashed one be replaced.
type UnixListener struct {
	net.Listener
	Logger
	path     string
	lockPath string
	lockFile *os.File

	closeOnce sync.Once
	closeErr  error
}

// Listen listens on addr, which is either a TCP "host:port" or "unix:<path>"
func Listen(logger Logger, addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, UnixAddrPrefix) {
		return NewUnixListener(logger, strings.TrimPrefix(addr, UnixAddrPrefix))
	}
	return net.Listen("tcp", addr)
}

// NewUnixListener claims path and listens on it
func NewUnixListener(logger Logger, path string) (*UnixListener, error) {
	if path == "" {
		return nil, logger.Errorf("Empty unix socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, logger.Errorf("Invalid unix socket path %q: %s", path, err)
	}
	l := &UnixListener{
		Logger:   logger.Fork("unix %s", abspath),
		path:     abspath,
		lockPath: abspath + ".lock",
	}

	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, l.Errorf("Could not stat %s: %s", abspath, err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, l.Errorf("%s exists and is not a unix socket", abspath)
	}

	lockFile, err := os.OpenFile(l.lockPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.Errorf("Unable to open lock file %s: %s", l.lockPath, err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, l.Errorf("Unix socket %s in use (%s is locked): %s", abspath, l.lockPath, err)
	}
	l.lockFile = lockFile

	// we hold the lock, so an existing socket is orphaned
	if info != nil {
		if err := os.Remove(abspath); err != nil {
			l.Close()
			return nil, l.Errorf("Unable to remove orphaned socket %s: %s", abspath, err)
		}
	}
	ul, err := net.Listen("unix", abspath)
	if err != nil {
		l.Close()
		return nil, l.Errorf("Listen failed: %s", err)
	}
	l.Listener = ul
	l.DLogf("Listening")
	return l, nil
}

// Close closes the socket, removes it and releases the lock. The lock file is
// removed before it is unlocked; a new owner simply recreates it.
func (l *UnixListener) Close() error {
	l.closeOnce.Do(func() {
		if l.Listener != nil {
			os.Remove(l.path)
			l.closeErr = l.Listener.Close()
		}
		if l.lockFile == nil {
			return
		}
		os.Remove(l.lockPath)
		err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
		if cerr := l.lockFile.Close(); err == nil {
			err = cerr
		}
		if err != nil && l.closeErr == nil {
			l.closeErr = l.DLogErrorf("Unable to release %s: %s", l.lockPath, err)
		}
	})
	return l.closeErr
}
