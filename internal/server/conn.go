package server

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"xiangqi/server/internal/protocol"
)

// Transport is one framed client link. The TCP listener and the WebSocket
// bridge both satisfy it, so the dispatcher never sees the difference.
type Transport interface {
	// ReadLine returns the next complete message. io.EOF on clean close,
	// protocol.ErrLineTooLong on receive-buffer overrun.
	ReadLine() ([]byte, error)
	// WriteLine writes one message plus the trailing newline.
	WriteLine(line []byte) error
	Close() error
	RemoteAddr() string
}

// tcpTransport frames a raw TCP socket with the newline codec. The read
// timeout is an idle bound: the deadline is re-armed per message, so a
// client that stops talking for that long is disconnected.
type tcpTransport struct {
	conn         net.Conn
	framer       *protocol.Framer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPTransport(c net.Conn, readTimeout, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         c,
		framer:       protocol.NewFramer(c, protocol.MaxLineBytes),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) ReadLine() ([]byte, error) {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	return t.framer.Next()
}

func (t *tcpTransport) WriteLine(line []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	_, err := t.conn.Write(append(line, '\n'))
	return err
}

func (t *tcpTransport) Close() error      { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// Conn is one connected client. A reader goroutine dispatches requests; a
// writer goroutine drains the bounded send queue. If a handler fills the
// queue faster than the socket drains it, the connection is closed rather
// than letting one slow client block the rest of the server.
type Conn struct {
	transport Transport
	send      chan []byte

	mu     sync.Mutex
	userID int64 // 0 until authenticated

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(t Transport, sendQueue int) *Conn {
	if sendQueue <= 0 {
		sendQueue = 64
	}
	return &Conn{
		transport: t,
		send:      make(chan []byte, sendQueue),
		done:      make(chan struct{}),
	}
}

// UserID returns the user bound to this connection, 0 if unauthenticated.
func (c *Conn) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUserID(id int64) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// close shuts the transport and releases the writer. Safe to call more than
// once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

// enqueue queues one marshaled message for the writer. A full queue means
// the client stopped reading; the connection is closed and false returned.
func (c *Conn) enqueue(line []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- line:
		return true
	default:
		c.close()
		return false
	}
}

// sendJSON marshals v and queues it.
func (c *Conn) sendJSON(v any) bool {
	line, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(line)
}

// writeLoop drains the send queue until the connection closes.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.send:
			if err := c.transport.WriteLine(line); err != nil {
				c.close()
				return
			}
		}
	}
}
