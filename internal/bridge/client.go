package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAuth means the server dropped the connection during the token
	// handshake instead of accepting it.
	ErrAuth = errors.New("bridge: authentication rejected")
	// ErrUnknownResponse closes a client that received an id it never sent.
	ErrUnknownResponse = errors.New("bridge: response for unknown id")
	ErrClosed          = errors.New("bridge: client closed")
)

// Client is one authenticated control-channel connection. Request is safe
// for concurrent use.
type Client struct {
	conn    *websocket.Conn
	cfg     session.Config
	pending *session.Pending

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to url and presents token as the first frame.
func Dial(ctx context.Context, url, token string, cfg session.Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	if err := handshake(ctx, conn, token, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:    conn,
		cfg:     cfg,
		pending: session.NewPending(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func handshake(ctx context.Context, conn *websocket.Conn, token string, cfg session.Config) error {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return fmt.Errorf("bridge: send token: %w", err)
	}
	_ = conn.SetReadDeadline(deadline)
	kind, data, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("bridge: handshake timed out: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if kind != websocket.TextMessage || !protocol.IsAuthOK(data) {
		return fmt.Errorf("%w: %w: unexpected handshake reply", ErrAuth, protocol.ErrUnexpectedReply)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.pending.Close(cause)
		c.shutdown()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			cause = fmt.Errorf("%w: %v", ErrClosed, err)
			return
		}
		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			cause = err
			log.Warn().Err(err).Msg("bridge.client.frame.rejected")
			return
		}
		if !c.pending.Resolve(resp) {
			cause = fmt.Errorf("%w: %d", ErrUnknownResponse, resp.ID)
			log.Warn().Uint64("id", resp.ID).Msg("bridge.client.unknown_id")
			return
		}
	}
}

// Request sends one request and waits for the response with the same id.
// Error responses are returned as *protocol.RemoteError.
func (c *Client) Request(ctx context.Context, reqType string, payload any) (protocol.Response, error) {
	req := protocol.Request{Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("bridge: encode payload: %w", err)
		}
		req.Payload = raw
	}

	id, ch, err := c.pending.Register()
	if err != nil {
		return protocol.Response{}, err
	}
	req.ID = id
	data, err := protocol.Encode(req)
	if err != nil {
		c.pending.Cancel(id)
		return protocol.Response{}, err
	}
	if err := c.write(data); err != nil {
		c.pending.Cancel(id)
		return protocol.Response{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Response{}, c.pending.Err()
		}
		if err := resp.Err(); err != nil {
			return resp, err
		}
		return resp, nil
	case <-timer.C:
		// a late reply for id now closes the connection as unknown
		c.pending.Cancel(id)
		return protocol.Response{}, fmt.Errorf("bridge: request %s (id %d) timed out", reqType, id)
	case <-ctx.Done():
		c.pending.Cancel(id)
		return protocol.Response{}, ctx.Err()
	}
}

// Info queries the peer's identity.
func (c *Client) Info(ctx context.Context) (protocol.Info, error) {
	resp, err := c.Request(ctx, protocol.TypeInfo, nil)
	if err != nil {
		return protocol.Info{}, err
	}
	if resp.Type != protocol.TypeInfo || resp.Info == nil {
		return protocol.Info{}, fmt.Errorf("%w: %s reply to info", protocol.ErrUnexpectedReply, resp.Type)
	}
	return *resp.Info, nil
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		if err := c.pending.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.pending.Close(ErrClosed)
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
