package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// IdleTimeout closes a connection that sends nothing for this long.
const IdleTimeout = 30 * time.Second

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("transport: server closed")

var errRequestTooLarge = errors.New("request exceeds maximum message size")

// budgetReader fails once more than left bytes are read. serveConn refills
// it before every request.
type budgetReader struct {
	r    io.Reader
	left int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, errRequestTooLarge
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= int64(n)
	return n, err
}

// Server accepts TCP connections and answers JSON requests with a Handler.
//
// Each connection is served on its own goroutine. At most maxConns
// connections are served at once; a connection arriving past that ceiling
// receives a 503 response and is closed.
type Server struct {
	handler Handler
	sem     *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(handler Handler, maxConns int64) *Server {
	if maxConns <= 0 {
		maxConns = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		sem:     semaphore.NewWeighted(maxConns),
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the server to addr. Use ":0" to pick a free port.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("transport: Serve called before Listen")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warnf("accept: %v", err)
				continue
			}
			return err
		}

		if !s.sem.TryAcquire(1) {
			s.wg.Add(1)
			go s.reject(conn)
			continue
		}
		if !s.track(conn) {
			s.sem.Release(1)
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
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

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr()
	body := &budgetReader{r: conn}
	dec := json.NewDecoder(body)
	enc := json.NewEncoder(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		body.left = MaxMessageSize
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, errRequestTooLarge) {
				log.Warnf("closing connection from %s: %v", remote, err)
				return
			}
			var ne net.Error
			if errors.As(err, &ne) {
				log.Debugf("connection from %s: %v", remote, err)
				return
			}
			log.Warnf("closing connection from %s: malformed request: %v", remote, err)
			return
		}
		if req.Action == "" {
			log.Warnf("closing connection from %s: request without action", remote)
			return
		}

		resp := s.handler.Handle(s.ctx, &req)
		if resp == nil {
			resp = Failure(Errorf(CodeInternal, "no response for %s", req.Action))
		}
		conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
		if err := enc.Encode(resp); err != nil {
			// Fire-and-forget senders hang up before the reply.
			log.Debugf("reply %s to %s: %v", req.Action, remote, err)
			return
		}
	}
}

// reject answers the first request on conn with 503 and hangs up. Reading
// the request first keeps the client from seeing a reset instead of the
// reply.
func (s *Server) reject(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	log.Warnf("rejecting connection from %s: server busy", conn.RemoteAddr())
	conn.SetDeadline(time.Now().Add(DefaultTimeout))
	var req Request
	json.NewDecoder(io.LimitReader(conn, MaxMessageSize)).Decode(&req)
	json.NewEncoder(conn).Encode(Failure(Errorf(CodeUnavailable, "server busy")))
}

// Close stops accepting, cancels in-flight handlers and closes open
// connections. It waits for connection goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return err
}
