package rpcwire

import (
	"net"

	"github.com/igodwin/scribed/internal/entry"
)

// LogHandler processes an inbound batch and returns the result code.
type LogHandler func(entry.Batch) Code

// MappingHandler resolves a category's bucket mapping. ok=false means
// the category is unknown to this resolver.
type MappingHandler func(category string) ([]HostPort, bool)

// Server accepts framed RPC connections and dispatches Log and
// GetMapping calls concurrently, one goroutine per connection, mirroring
// the "RPC thread pool handling inbound calls concurrently" scheduling
// model of spec.md §5.
type Server struct {
	listener net.Listener
	onLog    LogHandler
	onMap    MappingHandler
}

// NewServer wraps an already-bound listener (CLI/main owns bind/port
// selection) with the Log and GetMapping handlers.
func NewServer(listener net.Listener, onLog LogHandler, onMap MappingHandler) *Server {
	return &Server{listener: listener, onLog: onLog, onMap: onMap}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(frame) == 0 {
			return
		}
		switch Opcode(frame[0]) {
		case OpLog:
			batch, err := decodeBatch(frame[1:])
			if err != nil {
				return
			}
			code := s.onLog(batch)
			reply := []byte{byte(OpLogReply), byte(code)}
			if writeFrame(conn, reply) != nil {
				return
			}
		case OpGetMapping:
			category, err := decodeMappingRequest(frame[1:])
			if err != nil {
				return
			}
			var mappings []HostPort
			var ok bool
			if s.onMap != nil {
				mappings, ok = s.onMap(category)
			}
			reply := append([]byte{byte(OpMappingReply)}, encodeMappingReply(mappings, ok)...)
			if writeFrame(conn, reply) != nil {
				return
			}
		default:
			return
		}
	}
}
