package rpcwire

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/igodwin/scribed/internal/entry"
)

// Client is a single framed-RPC connection to another instance of this
// server. Writes are serialized by mu, matching the spec's "a mutex
// serializing writes" per connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

// Dial opens a connection with a fixed connect/send/recv timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Log sends a batch (which may be empty, used as a zero-length probe)
// and returns the server's result code.
func (c *Client) Log(batch entry.Batch) (Code, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := append([]byte{byte(OpLog)}, encodeBatch(batch)...)
	if err := c.writeWithDeadline(payload); err != nil {
		return 0, err
	}
	reply, err := c.readWithDeadline()
	if err != nil {
		return 0, err
	}
	if len(reply) < 2 || Opcode(reply[0]) != OpLogReply {
		return 0, fmt.Errorf("rpcwire: malformed log reply")
	}
	return Code(reply[1]), nil
}

// GetMapping fetches the bucket->host:port mapping for category.
func (c *Client) GetMapping(category string) ([]HostPort, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := append([]byte{byte(OpGetMapping)}, encodeMappingRequest(category)...)
	if err := c.writeWithDeadline(payload); err != nil {
		return nil, false, err
	}
	reply, err := c.readWithDeadline()
	if err != nil {
		return nil, false, err
	}
	if len(reply) < 1 || Opcode(reply[0]) != OpMappingReply {
		return nil, false, fmt.Errorf("rpcwire: malformed mapping reply")
	}
	return decodeMappingReply(reply[1:])
}

func (c *Client) writeWithDeadline(payload []byte) error {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return writeFrame(c.conn, payload)
}

func (c *Client) readWithDeadline() ([]byte, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return readFrame(c.conn)
}
