package coad

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	readTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
)

// HandlerFunc answers one CoA request. The engine's implementation posts
// the request onto its command queue and waits for the loop's verdict.
type HandlerFunc func(Request) Response

// Server accepts CoA IPC connections on a Unix socket.
type Server struct {
	path    string
	handler HandlerFunc
	logger  *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

func NewServer(path string, handler HandlerFunc, logger *slog.Logger) *Server {
	return &Server{path: path, handler: handler, logger: logger}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("CoA IPC listening", "socket", s.path)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("CoA IPC accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("CoA IPC bad request", "error", err)
		s.reply(conn, Response{Success: false, Error: "bad request: " + err.Error()})
		return
	}

	resp := s.handler(req)
	s.reply(conn, resp)
}

func (s *Server) reply(conn net.Conn, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("CoA IPC reply failed", "error", err)
	}
}
