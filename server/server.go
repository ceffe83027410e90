package server

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"renale/db"
	"renale/ident"
	"renale/protocol"
)

type Server struct {
	db       *db.DB
	alloc    *ident.Allocator
	config   *ServerConfig
	routes   map[routeKey]handlerFunc
	paths    map[string]bool
	listener net.Listener
	active   int64
	served   int64
	closing  int32
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRequest   int
	AllocRetries int
}

func New(database *db.DB, config *ServerConfig) *Server {
	if config.MaxRequest <= 0 {
		config.MaxRequest = 65536
	}

	s := &Server{
		db:     database,
		alloc:  ident.New(config.AllocRetries),
		config: config,
	}
	s.buildRoutes()
	return s
}

// Start blocks accepting connections until Shutdown closes the listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return err
	}
	s.listener = listener
	defer listener.Close()

	jww.INFO.Printf("Renale server listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closing) == 1 {
				return nil
			}
			jww.WARN.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// Shutdown closes the listening socket. In-flight connections finish their
// single request/response cycle on their own.
func (s *Server) Shutdown() {
	atomic.StoreInt32(&s.closing, 1)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection drives exactly one request/response cycle and closes the
// connection. A failure here never affects other connections.
func (s *Server) handleConnection(conn net.Conn) {
	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()

	raw, timedOut := s.readRequest(conn)
	if timedOut {
		// Stalled read: close without invoking any handler.
		jww.DEBUG.Printf("Read timeout from %s, closing", remoteAddr)
		return
	}

	req, err := protocol.ParseRequest(raw)
	if err != nil {
		jww.DEBUG.Printf("Parse error from %s: %v", remoteAddr, err)
		s.writeResponse(conn, protocol.FormatResponse(400, "text/plain", "400 Bad Request"))
		return
	}

	jww.DEBUG.Printf("%s %s from %s", req.Method, req.Path, remoteAddr)

	s.writeResponse(conn, s.route(req))
	atomic.AddInt64(&s.served, 1)
}

// readRequest buffers socket bytes until a full request is available: the
// header terminator has arrived and, when Content-Length is declared, the
// body is complete. Reads are bounded both in size and in time.
func (s *Server) readRequest(conn net.Conn) (raw string, timedOut bool) {
	var buf []byte
	chunk := make([]byte, 1024)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if len(buf) >= s.config.MaxRequest {
			buf = buf[:s.config.MaxRequest]
			return string(buf), false
		}
		if requestComplete(string(buf)) {
			return string(buf), false
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", true
			}
			// EOF or closed connection: hand over whatever arrived.
			return string(buf), false
		}
	}
}

// requestComplete reports whether buf holds a parseable request whose body
// is fully buffered. Malformed requests count as complete so the 400 path
// runs without waiting for more bytes.
func requestComplete(buf string) bool {
	if !strings.Contains(buf, "\r\n\r\n") {
		return false
	}
	req, err := protocol.ParseRequest(buf)
	if err != nil {
		return true
	}
	if cl := req.ContentLength(); cl >= 0 && len(req.Body) < cl {
		return false
	}
	return true
}

func (s *Server) writeResponse(conn net.Conn, response string) {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := conn.Write([]byte(response)); err != nil {
		jww.WARN.Printf("Error writing to connection: %v", err)
	}
}

// GetStats returns server statistics as a formatted string for the control
// socket.
func (s *Server) GetStats() string {
	active := atomic.LoadInt64(&s.active)
	served := atomic.LoadInt64(&s.served)
	return "connections=" + strconv.FormatInt(active, 10) +
		",served=" + strconv.FormatInt(served, 10)
}
