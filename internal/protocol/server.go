package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/logger"
	"github.com/runtarahq/runtara/pkg/api"
)

// Handler serves one request operation. The returned value is marshaled as
// the response frame payload; a returned error becomes an error frame.
type Handler func(ctx context.Context, body json.RawMessage) (any, error)

// StreamHandler serves one streaming operation. The stream yields the raw
// data chunks between the stream-start and stream-end frames.
type StreamHandler func(ctx context.Context, start json.RawMessage, stream *StreamReader) (any, error)

// Server accepts framed connections and dispatches envelopes to registered
// handlers. Requests on a single connection are served in order.
type Server struct {
	addr    string
	tlsConf *tls.Config
	log     *slog.Logger

	mu             sync.RWMutex
	handlers       map[string]Handler
	streamHandlers map[string]StreamHandler

	ln     net.Listener
	connWG sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewServer creates a server for the given listen address. tlsConf may be
// nil for plaintext listeners in tests.
func NewServer(addr string, tlsConf *tls.Config, log *slog.Logger) *Server {
	return &Server{
		addr:           addr,
		tlsConf:        tlsConf,
		log:            log,
		handlers:       make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
		conns:          make(map[net.Conn]struct{}),
	}
}

// Handle registers a request handler for an operation name.
func (s *Server) Handle(op string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// HandleStream registers a streaming handler for an operation name.
func (s *Server) HandleStream(op string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamHandlers[op] = h
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var err error
	if s.tlsConf != nil {
		s.ln, err = tls.Listen("tcp", s.addr, s.tlsConf)
	} else {
		s.ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.log.Info("protocol server listening", "addr", s.ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.ln.Close()
		// Open connections block in ReadFrame; closing them is the only
		// way the serve goroutines ever return.
		s.connMu.Lock()
		s.closed = true
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.connWG.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.connWG.Wait()
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		if !s.trackConn(conn) {
			conn.Close()
			continue
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.untrackConn(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.Warn("connection read failed", "remote", remote, "error", err)
			}
			return
		}

		reqCtx := logger.WithRequestID(ctx, uuid.NewString())
		log := logger.FromContext(reqCtx, s.log)

		switch typ {
		case MessageRequest:
			s.serveRequest(reqCtx, conn, payload, log)
		case MessageStreamStart:
			if !s.serveStream(reqCtx, conn, payload, log) {
				return
			}
		default:
			log.Warn("unexpected frame type", "type", typ.String(), "remote", remote)
			s.writeError(conn, fault.Invalid("unexpected %s frame", typ))
			return
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, conn net.Conn, payload []byte, log *slog.Logger) {
	var env api.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.writeError(conn, fault.Invalid("malformed envelope").WithCause(err))
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[env.Op]
	s.mu.RUnlock()
	if !ok {
		s.writeError(conn, fault.Invalid("unknown operation %q", env.Op))
		return
	}

	resp, err := h(ctx, env.Body)
	if err != nil {
		log.Warn("operation failed", "op", env.Op, "error", err)
		s.writeError(conn, err)
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.writeError(conn, fault.New(fault.CodeInternal, "encode response", fault.CategoryPermanent).WithCause(err))
		return
	}
	if err := WriteFrame(conn, MessageResponse, out); err != nil {
		log.Warn("write response failed", "op", env.Op, "error", err)
	}
}

// serveStream returns false when the connection must be torn down because
// the stream is in an unrecoverable position.
func (s *Server) serveStream(ctx context.Context, conn net.Conn, payload []byte, log *slog.Logger) bool {
	var env api.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.writeError(conn, fault.Invalid("malformed stream envelope").WithCause(err))
		return false
	}

	s.mu.RLock()
	h, ok := s.streamHandlers[env.Op]
	s.mu.RUnlock()
	if !ok {
		s.writeError(conn, fault.Invalid("unknown streaming operation %q", env.Op))
		return false
	}

	stream := &StreamReader{conn: conn}
	resp, err := h(ctx, env.Body, stream)
	if err != nil {
		log.Warn("stream operation failed", "op", env.Op, "error", err)
		s.writeError(conn, err)
		return false
	}
	// The handler may return early; the connection is only reusable once
	// the stream has been fully drained.
	if !stream.done {
		if err := stream.drain(); err != nil {
			s.writeError(conn, fault.Invalid("stream not terminated").WithCause(err))
			return false
		}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		s.writeError(conn, fault.New(fault.CodeInternal, "encode response", fault.CategoryPermanent).WithCause(err))
		return false
	}
	if err := WriteFrame(conn, MessageResponse, out); err != nil {
		log.Warn("write stream response failed", "op", env.Op, "error", err)
		return false
	}
	return true
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := api.ErrorResponse{
		Error:     err.Error(),
		Code:      fault.Code(err),
		Retryable: fault.IsRetryable(err),
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		return
	}
	_ = WriteFrame(conn, MessageError, out)
}

// StreamReader yields the data chunks of a streaming upload. Next returns
// io.EOF after the stream-end frame.
type StreamReader struct {
	conn net.Conn
	done bool
}

// Next reads the next data chunk.
func (r *StreamReader) Next() ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	typ, payload, err := ReadFrame(r.conn)
	if err != nil {
		return nil, err
	}
	switch typ {
	case MessageStreamData:
		return payload, nil
	case MessageStreamEnd:
		r.done = true
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected %s frame inside stream", typ)
	}
}

func (r *StreamReader) drain() error {
	for {
		_, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
