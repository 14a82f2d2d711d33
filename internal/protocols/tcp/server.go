package tcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mountebank-testing/mbengine/internal/models"
	"github.com/mountebank-testing/mbengine/internal/util"
)

const readBufferSize = 64 * 1024

// ResponseSource resolves a simplified request into a response
type ResponseSource interface {
	GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error)
}

// Server is a raw TCP imposter. Every chunk read from a connection is one request.
type Server struct {
	port     int
	mode     string
	listener net.Listener
	logger   *util.Logger
	source   ResponseSource

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// Create starts listening on the configured port (0 picks a free one)
func Create(config *models.ImposterConfig, logger *util.Logger, source ResponseSource) (*Server, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(config.Host, fmt.Sprint(config.Port)))
	if err != nil {
		return nil, util.NewProtocolError(fmt.Sprintf("cannot bind port %d: %v", config.Port, err), config.Port, nil)
	}

	mode := config.Mode
	if mode == "" {
		mode = models.ModeText
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		port:     listener.Addr().(*net.TCPAddr).Port,
		mode:     mode,
		listener: listener,
		logger:   logger,
		source:   source,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	logger.Infof("Open for business on port %d", s.port)
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Errorf("accept failed: %v", err)
			}
			return
		}
		s.track(conn, true)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	from := conn.RemoteAddr().String()
	s.logger.Debugf("%s ESTABLISHED", from)

	buffer := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			if !s.respond(conn, from, buffer[:n]) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debugf("%s read error: %v", from, err)
			}
			s.logger.Debugf("%s CLOSED", from)
			return
		}
	}
}

// respond handles one chunk and reports whether the connection stays open
func (s *Server) respond(conn net.Conn, from string, chunk []byte) bool {
	request := &models.Request{
		Protocol:    "tcp",
		RequestFrom: from,
		IP:          remoteIP(from),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Data:        s.encode(chunk),
	}
	s.logger.Infof("%s => %s", from, request.Data)

	response, err := s.source.GetResponseFor(s.ctx, request)
	if err != nil {
		s.logger.Errorf("%s error resolving response: %v", from, err)
		return true
	}
	if response.Blocked {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		return false
	}

	payload, err := s.decode(response.Data, response.IsBinary())
	if err != nil {
		s.logger.Errorf("%s invalid binary response data: %v", from, err)
		return true
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			s.logger.Errorf("%s write failed: %v", from, err)
			return false
		}
	}
	response.RecordMatch()
	return true
}

func (s *Server) encode(chunk []byte) string {
	if s.mode == models.ModeBinary {
		return base64.StdEncoding.EncodeToString(chunk)
	}
	return string(chunk)
}

func (s *Server) decode(data string, binary bool) ([]byte, error) {
	if binary || s.mode == models.ModeBinary {
		return base64.StdEncoding.DecodeString(data)
	}
	return []byte(data), nil
}

func remoteIP(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Close stops accepting, drops open connections and then invokes callback
func (s *Server) Close(callback func()) error {
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	if callback != nil {
		callback()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
