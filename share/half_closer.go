package wgshare

// WriteHalfCloser is a bidirectional stream whose writing half can be shut
// down on its own, as net.TCPConn.CloseWrite does. The reader at the other end
// sees end of stream while the reverse direction stays usable.
type WriteHalfCloser interface {
	CloseWrite() error
}
