package gateway

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

// prefixConn is a net.Conn whose first reads return bytes that were already
// consumed from the underlying connection by someone else
type prefixConn struct {
	net.Conn
	reader io.Reader
}

func newPrefixConn(conn net.Conn, consumed []byte) net.Conn {
	if len(consumed) == 0 {
		return conn
	}
	return &prefixConn{
		Conn:   conn,
		reader: io.MultiReader(bytes.NewReader(consumed), conn),
	}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// hijackWriter is an http.ResponseWriter over a raw connection whose request
// was read elsewhere. It lets websocket.Upgrader take over the connection, and
// writes a plain HTTP/1.1 response if the upgrade is refused.
type hijackWriter struct {
	conn        net.Conn
	header      http.Header
	lock        sync.Mutex
	wroteHeader bool
	hijacked    bool
}

func newHijackWriter(conn net.Conn) *hijackWriter {
	return &hijackWriter{
		conn:   conn,
		header: make(http.Header),
	}
}

func (w *hijackWriter) Header() http.Header {
	return w.header
}

func (w *hijackWriter) WriteHeader(status int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true
	w.header.Set("Connection", "close")
	fmt.Fprintf(w.conn, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	w.header.Write(w.conn)
	io.WriteString(w.conn, "\r\n")
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.conn.Write(p)
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.wroteHeader || w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	w.hijacked = true
	return w.conn, bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn)), nil
}
