// Package bridge serves and dials the sc-bridge control channel.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerctl/internal/auth"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// HandlerFunc answers one request. The returned response id is overwritten
// with the request id.
type HandlerFunc func(ctx context.Context, req protocol.Request) (protocol.Response, error)

type ServerOptions struct {
	// Node labels logs and metrics.
	Node             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// WriteQueue bounds responses waiting for the writer.
	WriteQueue int
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Node == "" {
		o.Node = "peer"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = 64
	}
	return o
}

// Server authenticates each connection with its first frame and then
// dispatches requests concurrently.
type Server struct {
	validator auth.Validator
	opts      ServerOptions
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	active atomic.Int64
}

func NewServer(validator auth.Validator, opts ServerOptions) *Server {
	s := &Server{
		validator: validator,
		opts:      opts.withDefaults(),
		handlers:  make(map[string]HandlerFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the channel is bound to loopback and bearer-authenticated
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.Handle(protocol.TypePing, func(_ context.Context, req protocol.Request) (protocol.Response, error) {
		return protocol.Response{Type: protocol.TypePong}, nil
	})
	return s
}

// Handle registers fn for requests of type reqType, replacing any previous
// handler.
func (s *Server) Handle(reqType string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.TrimSpace(reqType)] = fn
}

func (s *Server) handler(reqType string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[reqType]
	return fn, ok
}

// ActiveSessions counts authenticated connections.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("bridge.upgrade.failed")
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	if reason, ok := s.authenticate(conn); !ok {
		observability.RecordBridgeAuthFailure(s.opts.Node, reason)
		log.Warn().Str("remote", r.RemoteAddr).Str("reason", reason).Msg("bridge.auth.rejected")
		// drop the TCP connection without a close frame
		_ = conn.NetConn().Close()
		return
	}

	s.active.Add(1)
	done := observability.BridgeSessionOpened(s.opts.Node)
	defer func() {
		done()
		s.active.Add(-1)
	}()
	log.Debug().Str("remote", r.RemoteAddr).Msg("bridge.session.open")
	s.serveSession(conn)
	log.Debug().Str("remote", r.RemoteAddr).Msg("bridge.session.closed")
}

func (s *Server) authenticate(conn *websocket.Conn) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return "read", false
	}
	if kind != websocket.TextMessage {
		return "frame", false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "empty", false
	}
	if s.validator == nil || s.validator.Validate(token) != nil {
		return "token", false
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, protocol.AuthOK()); err != nil {
		return "write", false
	}
	return "", true
}

type serverSession struct {
	server *Server
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Server) serveSession(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &serverSession{
		server: s,
		conn:   conn,
		out:    make(chan []byte, s.opts.WriteQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop()
	}()

	sess.readLoop()

	cancel()
	sess.wg.Wait()
	close(sess.out)
	<-writerDone
	_ = conn.Close()
}

// readLoop ends on the first read error or malformed frame.
func (s *serverSession) readLoop() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("bridge.read.end")
			}
			return
		}
		if kind != websocket.TextMessage {
			log.Warn().Int("kind", kind).Msg("bridge.frame.rejected")
			return
		}
		req, err := protocol.DecodeRequest(data)
		if err != nil {
			log.Warn().Err(err).Msg("bridge.frame.rejected")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(req)
		}()
	}
}

func (s *serverSession) dispatch(req protocol.Request) {
	start := time.Now()
	var resp protocol.Response
	outcome := "ok"
	fn, ok := s.server.handler(req.Type)
	if !ok {
		resp = protocol.ErrorResponse(req.ID, protocol.ErrUnknownRequestType)
		outcome = "unknown"
	} else {
		out, err := fn(s.ctx, req)
		if err != nil {
			resp = protocol.ErrorResponse(req.ID, err.Error())
			outcome = "error"
		} else {
			resp = out
			if resp.Type == "" {
				resp.Type = req.Type
			}
		}
	}
	resp.ID = req.ID
	observability.RecordBridgeRequest(s.server.opts.Node, metricType(req.Type, ok), outcome, time.Since(start))

	data, err := protocol.Encode(resp)
	if err != nil {
		log.Error().Err(err).Uint64("id", req.ID).Msg("bridge.encode.failed")
		data, _ = protocol.Encode(protocol.ErrorResponse(req.ID, "internal error"))
	}
	select {
	case s.out <- data:
	case <-s.ctx.Done():
	}
}

// writeLoop is the only goroutine that writes to conn after the handshake.
func (s *serverSession) writeLoop() {
	for data := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.opts.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("bridge.write.failed")
			s.cancel()
			_ = s.conn.Close()
			// drain so dispatchers never block
			for range s.out {
			}
			return
		}
	}
}

// metricType keeps label cardinality bounded to registered types.
func metricType(reqType string, known bool) string {
	if !known {
		return "unknown"
	}
	return reqType
}
