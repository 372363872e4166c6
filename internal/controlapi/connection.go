package controlapi

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Connection wraps one control-API client connection: read one message
// at a time, send packs and writes directly. Reads happen only from the
// connection's own dispatch goroutine, but Send is also called from
// router circuit goroutines delivering incoming-tunnel events, so
// writes are serialized with a mutex over a dedicated write buffer.
type Connection struct {
	nc      net.Conn
	rd      *bufio.Reader
	readBuf [MaxSize]byte

	writeMu  sync.Mutex
	writeBuf [MaxSize]byte
}

func NewConnection(nc net.Conn) *Connection {
	return &Connection{nc: nc, rd: bufio.NewReader(nc)}
}

// ReadMsg blocks for the next control message on this connection.
func (c *Connection) ReadMsg() (Message, error) {
	var hdr Header
	if err := hdr.Read(c.rd); err != nil {
		return nil, err
	}

	bodyLen := int(hdr.Size) - HeaderSize
	if bodyLen < 0 || bodyLen > MaxSize-HeaderSize {
		return nil, ErrInvalidMessage
	}
	body := c.readBuf[:bodyLen]
	if _, err := io.ReadFull(c.rd, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return ParseMessage(hdr.Type, body)
}

// Send packs and writes msg. Safe for concurrent use: the router calls it
// both from the connection's own request-dispatch goroutine and from
// circuit goroutines delivering incoming-tunnel events.
func (c *Connection) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := PackMessage(c.writeBuf[:], msg)
	if err != nil {
		return err
	}
	_, err = c.nc.Write(c.writeBuf[:n])
	return err
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.nc.Close()
}
