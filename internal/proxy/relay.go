package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// bufferedConn reads through a bufio.Reader that may hold bytes consumed
// ahead of the handshake (PROXY protocol remainder, pipelined request
// body) while writes go straight to the underlying connection.
type bufferedConn struct {
	r *bufio.Reader
	net.Conn
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// activityConn arms a read deadline before every read and bumps the
// session's shared activity clock on progress. A deadline that fires
// while the opposite leg is still moving re-arms instead of failing, so
// only a session with no traffic in either direction times out.
type activityConn struct {
	net.Conn
	timeout time.Duration
	last    *atomic.Int64
}

func (c *activityConn) Read(p []byte) (int, error) {
	for {
		if c.timeout > 0 {
			if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
				return 0, err
			}
		}
		n, err := c.Conn.Read(p)
		if n > 0 {
			c.last.Store(time.Now().UnixNano())
			return n, nil
		}
		if err == nil {
			return n, nil
		}
		var netErr net.Error
		if c.timeout > 0 && errors.As(err, &netErr) && netErr.Timeout() {
			if time.Since(time.Unix(0, c.last.Load())) < c.timeout {
				continue
			}
		}
		return n, err
	}
}

type closeWriter interface {
	CloseWrite() error
}

func halfClose(c net.Conn) {
	if bc, ok := c.(*bufferedConn); ok {
		c = bc.Conn
	}
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = c.Close()
	}
}

// relay copies bytes between client and upstream until both directions
// reach EOF, an I/O error occurs, or the idle timeout elapses with no
// traffic on either leg. A clean EOF on one leg half-closes the other
// side; an error tears down both connections so neither relay goroutine
// is left blocked. Returns bytes received from the client and bytes
// sent back to it.
func relay(client, upstream net.Conn, idle time.Duration) (bytesIn, bytesOut int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	var last atomic.Int64
	last.Store(time.Now().UnixNano())

	pump := func(dst, src net.Conn, counter *int64) {
		defer wg.Done()
		n, err := io.Copy(dst, &activityConn{Conn: src, timeout: idle, last: &last})
		*counter = n
		if err == nil {
			halfClose(dst)
			return
		}
		client.Close()
		upstream.Close()
	}

	go pump(upstream, client, &bytesIn)
	go pump(client, upstream, &bytesOut)
	wg.Wait()
	return bytesIn, bytesOut
}
