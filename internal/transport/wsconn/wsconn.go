// Package wsconn carries hexlink frames over a websocket. Each binary message
// is one raw frame; text messages are read as hex wire text.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadLimit caps one inbound message in bytes; 0 leaves it unlimited.
	ReadLimit int64
	// TextFrames writes hex text messages instead of binary.
	TextFrames bool
	Header     http.Header
	TLS        transport.TLSConfig
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        64 * 1024,
	}
}

type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Conn = (*Conn)(nil)

func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	tlsCfg, err := opts.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial %s status=%d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsconn: dial %s: %w", url, err)
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	log.Debug().Msgf("wsconn.Dial connected url=%s", url)
	return &Conn{ws: ws, opts: opts}, nil
}

func (c *Conn) Write(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if c.opts.TextFrames {
		return c.ws.WriteMessage(websocket.TextMessage, []byte(frame.Encode(b)))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Serve reads until the socket fails, ctx ends or Close is called. Malformed
// text messages are skipped.
func (c *Conn) Serve(ctx context.Context, r transport.Receiver) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	var err error
	defer func() { r.OnDisconnect(err) }()
	for {
		var msgType int
		var msg []byte
		msgType, msg, err = c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = transport.ErrClosed
			}
			return err
		}
		switch msgType {
		case websocket.BinaryMessage:
			r.OnFrameReceived(msg)
		case websocket.TextMessage:
			f, decodeErr := frame.Decode(strings.TrimSpace(string(msg)))
			if decodeErr != nil {
				log.Warn().Msgf("wsconn.Serve skip text message: %v", decodeErr)
				continue
			}
			r.OnFrameReceived(f)
		}
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
