package peer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hexlink/internal/auth"
	"github.com/danmuck/hexlink/internal/observability"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Config describes one emulated peer endpoint.
type Config struct {
	Name         string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          transport.TLSConfig
	// Token, when set, is the bearer token /ws requires.
	Token string
	// Validator guards /ws and takes precedence over Token.
	Validator auth.Validator
}

func DefaultConfig() Config {
	return Config{
		Name:         "peer",
		Addr:         "127.0.0.1:9400",
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Second,
	}
}

// Server exposes a Responder as a websocket notification link.
type Server struct {
	cfg       Config
	responder *Responder
	upgrader  websocket.Upgrader
	router    chi.Router
}

func NewServer(cfg Config, responder *Responder) *Server {
	s := &Server{
		cfg:       cfg,
		responder: responder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	observability.RegisterMetrics()

	r := chi.NewRouter()
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Name))
	r.Get("/healthz", s.health)
	r.Group(func(r chi.Router) {
		if v := cfg.validator(); v != nil {
			r.Use(auth.Middleware(v))
		}
		r.Get("/ws", s.serveWS)
	})
	r.Handle("/metrics", promhttp.Handler())
	s.router = r
	return s
}

func (c Config) validator() auth.Validator {
	switch {
	case c.Validator != nil:
		return c.Validator
	case c.Token != "":
		return auth.StaticToken{Token: c.Token}
	default:
		return nil
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := s.cfg.TLS.ServerConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, tlsCfg != nil)
}

// Serve runs on an existing listener. With useTLS the configured TLS
// material is applied.
func (s *Server) Serve(ctx context.Context, ln net.Listener, useTLS bool) error {
	srv := &http.Server{Handler: s.router}
	if useTLS {
		tlsCfg, err := s.cfg.TLS.ServerConfig()
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	log.Info().Msgf("peer.Server %s listening addr=%s tls=%v", s.cfg.Name, ln.Addr(), useTLS)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Msgf("peer.Server upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	out := newOutbox(64)
	writerDone := make(chan struct{})
	go s.writeLoop(conn, out.ch, writerDone)
	defer func() {
		out.close()
		<-writerDone
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				log.Warn().Msgf("peer.Server read error remote=%s err=%v", r.RemoteAddr, err)
			}
			return
		}
		req, text, err := decodeMessage(msgType, msg)
		if err != nil {
			log.Warn().Msgf("peer.Server drop malformed message remote=%s err=%v", r.RemoteAddr, err)
			continue
		}
		log.Debug().Msgf("peer.Server request frame=%s", req)
		for _, b := range Batches(s.responder.Respond(req)) {
			out.schedule(b, text)
		}
	}
}

type outbound struct {
	frame frame.Frame
	text  bool
}

// outbox feeds writeLoop. Delayed batches wait on their own timer, so a slow
// rule never holds back replies scheduled after it.
type outbox struct {
	ch chan outbound

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

func newOutbox(size int) *outbox {
	return &outbox{
		ch:     make(chan outbound, size),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (o *outbox) schedule(b Batch, text bool) {
	if b.Delay <= 0 {
		o.push(b.Frames, text)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(b.Delay, func() {
		o.mu.Lock()
		delete(o.timers, t)
		o.mu.Unlock()
		o.push(b.Frames, text)
	})
	o.timers[t] = struct{}{}
}

// push enqueues frames unless the connection is gone. writeLoop drains ch
// until close, so holding mu across a full channel cannot deadlock.
func (o *outbox) push(frames []frame.Frame, text bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for _, f := range frames {
		o.ch <- outbound{frame: f, text: text}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for t := range o.timers {
		t.Stop()
	}
	close(o.ch)
}

// writeLoop is the only writer on conn; replies leave in queue order.
func (s *Server) writeLoop(conn *websocket.Conn, out <-chan outbound, done chan<- struct{}) {
	defer close(done)
	for o := range out {
		if s.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		var err error
		if o.text {
			err = conn.WriteMessage(websocket.TextMessage, []byte(o.frame.String()))
		} else {
			err = conn.WriteMessage(websocket.BinaryMessage, o.frame)
		}
		if err != nil {
			log.Warn().Msgf("peer.Server write failed err=%v", err)
			for range out {
			}
			return
		}
	}
}

// decodeMessage accepts raw binary frames or hex text frames.
func decodeMessage(msgType int, msg []byte) (frame.Frame, bool, error) {
	if msgType == websocket.TextMessage {
		f, err := frame.Decode(strings.TrimSpace(string(msg)))
		return f, true, err
	}
	return frame.Frame(msg).Clone(), false, nil
}
