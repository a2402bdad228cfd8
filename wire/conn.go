package wire

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// maxLineBytes bounds a single frame. Announce requests carry one hash per
// MiB of file and sync responses carry whole journals, so the cap is
// generous.
const maxLineBytes = 16 << 20

// ErrLineTooLong is returned when a frame exceeds maxLineBytes.
var ErrLineTooLong = errors.New("wire: line exceeds maximum frame size")

// Conn frames JSON records over a net.Conn, one object per line. Writes are
// serialised so concurrent callers cannot interleave frames; reads must be
// issued from a single goroutine.
type Conn struct {
	raw net.Conn
	br  *bufio.Reader

	wmu sync.Mutex
}

// NewConn wraps a network connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{raw: c, br: bufio.NewReader(c)}
}

// ReadLine reads one newline-terminated frame, without the delimiter. The
// cap is enforced while reading, so an oversized frame fails before it is
// buffered in full.
func (c *Conn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := c.br.ReadSlice('\n')
		if len(line)+len(frag) > maxLineBytes {
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)
		if err == nil {
			return line[:len(line)-1], nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// ReadJSON reads one frame and unmarshals it into v.
func (c *Conn) ReadJSON(v interface{}) error {
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// WriteJSON marshals v and writes it as a single frame.
func (c *Conn) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.raw.Write(b)
	return err
}

// SetDeadline sets the read and write deadlines of the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

// SetReadDeadline sets the read deadline of the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// RemoteAddr returns the remote address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Raw exposes the underlying connection for protocols that switch to
// unframed byte streams after the request line.
func (c *Conn) Raw() net.Conn { return c.raw }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.raw.Close() }
