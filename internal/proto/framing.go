package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultControlPort is the well-known port carrying control and data
// connections.
const DefaultControlPort = 7835

// MaxFrameLen bounds a single wire frame including the trailing newline.
const MaxFrameLen = 16 * 1024

var (
	// ErrFrameTooLong is returned when a frame exceeds MaxFrameLen.
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
	// ErrInvalidFrame is returned for malformed JSON or an unknown type tag.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Framed wraps a connection with newline-delimited JSON framing.
// Send is safe for concurrent use; Recv is single-reader.
type Framed struct {
	conn net.Conn
	br   *bufio.Reader
	wmu  sync.Mutex
}

func NewFramed(c net.Conn) *Framed {
	return &Framed{conn: c, br: bufio.NewReaderSize(c, MaxFrameLen)}
}

// Conn returns the underlying connection.
func (f *Framed) Conn() net.Conn { return f.conn }

// Reader returns the read side of the connection, including any bytes the
// framer has already buffered past the last frame. Used when handing the
// connection over to a byte pump.
func (f *Framed) Reader() io.Reader { return f.br }

// Send writes one frame. Concurrent senders do not interleave.
func (f *Framed) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err = f.conn.Write(append(b, '\n'))
	return err
}

// Recv reads one frame, enforcing the length bound and the type tag.
func (f *Framed) Recv() (Message, error) {
	line, err := f.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return Message{}, ErrFrameTooLong
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if !validType(m.Type) {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, m.Type)
	}
	return m, nil
}

// RecvTimeout reads one frame under a read deadline, then clears it.
func (f *Framed) RecvTimeout(d time.Duration) (Message, error) {
	if err := f.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return Message{}, err
	}
	m, err := f.Recv()
	_ = f.conn.SetReadDeadline(time.Time{})
	return m, err
}
