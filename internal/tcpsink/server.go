// Package tcpsink is the downstream end of a relay: it accepts TCP
// connections and decodes the back-to-back JSON messages written to them.
package tcpsink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/whiskers/relay"
	"go.uber.org/zap"
)

// DefaultMessageChannelSize is the default buffer size for received messages.
const DefaultMessageChannelSize = 1024

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Received is a message and the connection it arrived on.
type Received struct {
	Conn int64 // sequence number of the connection, starting at 1
	relay.Message
}

type Server struct {
	listener net.Listener
	addr     string
	msgs     chan Received
	logger   *zap.Logger

	accepted atomic.Int64
	closed   atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a sink. Default addr is "127.0.0.1:0", a random port.
func NewServer(addr string, logger *zap.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		msgs:   make(chan Received, DefaultMessageChannelSize),
		conns:  make(map[net.Conn]struct{}),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Back off on persistent errors such as EMFILE
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.logger.Warn("sink accept error", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn, s.accepted.Add(1))
	}
}

// track registers a live connection so Stop can close it. It reports false
// once the server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn, id int64) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	// No framing on the wire, the decoder copes with objects split across
	// reads and several objects in one read.
	dec := json.NewDecoder(conn)
	for {
		var m relay.Message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				s.closed.Add(1)
			} else if s.ctx.Err() == nil {
				s.logger.Warn("sink decode error", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}
		select {
		case s.msgs <- Received{Conn: id, Message: m}:
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop shuts the listener down and waits for connections to finish.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	// Idle peers would otherwise keep their readers blocked
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.msgs)
	return nil
}

// Messages returns the channel of received messages.
func (s *Server) Messages() <-chan Received {
	return s.msgs
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Closed returns the number of connections the peer closed cleanly.
func (s *Server) Closed() int64 { return s.closed.Load() }

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SinkAddress returns the listen address in relay form.
func (s *Server) SinkAddress() (*relay.SinkAddress, error) {
	tcp, err := net.ResolveTCPAddr("tcp", s.Addr())
	if err != nil {
		return nil, err
	}
	return &relay.SinkAddress{Host: tcp.IP.String(), Port: tcp.Port}, nil
}
