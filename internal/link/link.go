package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/protocol/session"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/hexlink/internal/link"

// ErrNotRunning is returned before Start and after a disconnect.
var ErrNotRunning = fmt.Errorf("link: not running: %w", session.ErrChannelClosed)

type Config struct {
	Name    string
	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:    "hexlink",
		Session: session.DefaultConfig(),
	}
}

type Option func(*Link)

// WithObserver receives every inbound frame after correlation dispatch, in
// arrival order, on a goroutine owned by the link. fn may block or issue
// follow-up requests; frames queue behind it while it runs.
func WithObserver(fn func(frame.Frame)) Option {
	return func(l *Link) {
		l.observer = fn
	}
}

// WithDisconnectHandler runs after pending requests were failed.
func WithDisconnectHandler(fn func(error)) Option {
	return func(l *Link) {
		l.onDisconnect = fn
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Link) {
		l.tracer = tp.Tracer(tracerName)
	}
}

// Link binds one transport connection to one correlation channel.
type Link struct {
	cfg     Config
	conn    transport.Conn
	channel *session.Channel
	tracer  trace.Tracer

	observer     func(frame.Frame)
	observed     atomic.Pointer[observerQueue]
	onDisconnect func(error)

	running   atomic.Bool
	closeOnce sync.Once
}

var _ transport.Receiver = (*Link)(nil)

func New(conn transport.Conn, cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:    cfg,
		conn:   conn,
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(l)
	}
	chOpts := []session.ChannelOption{
		session.WithLogCapacity(cfg.Session.LogCapacity),
		session.WithKeySpec(cfg.Session.Key),
	}
	if l.observer != nil {
		chOpts = append(chOpts, session.WithObserver(l.observe))
	}
	l.channel = session.NewChannel(conn, chOpts...)
	return l
}

// Start marks the link connected and serves inbound traffic in the
// background. The channel yields the serve result once the transport ends
// and the observer has seen every frame delivered before that.
func (l *Link) Start(ctx context.Context) <-chan error {
	var q *observerQueue
	if l.observer != nil {
		q = newObserverQueue(l.observer)
		l.observed.Store(q)
	}
	l.channel.OnConnect()
	l.running.Store(true)
	log.Info().Msgf("link.Link %s running keys=%s", l.cfg.Name, l.channel.KeySpec())

	done := make(chan error, 1)
	go func() {
		err := l.conn.Serve(ctx, l)
		if q != nil {
			q.close()
			<-q.done
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
			err = nil
		}
		done <- err
	}()
	return done
}

func (l *Link) observe(f frame.Frame) {
	if q := l.observed.Load(); q != nil {
		q.push(f)
	}
}

// Run is Start followed by waiting for the transport to end.
func (l *Link) Run(ctx context.Context) error {
	return <-l.Start(ctx)
}

func (l *Link) Running() bool {
	return l.running.Load()
}

func (l *Link) OnFrameReceived(raw []byte) {
	l.channel.OnFrameReceived(raw)
}

func (l *Link) OnDisconnect(err error) {
	l.running.Store(false)
	l.channel.OnDisconnect(err)
	if l.onDisconnect != nil {
		l.onDisconnect(err)
	}
}

// Send writes one frame without waiting for an answer.
func (l *Link) Send(ctx context.Context, hex string) error {
	f, err := frame.Decode(strings.TrimSpace(hex))
	if err != nil {
		return err
	}
	if !l.running.Load() {
		return ErrNotRunning
	}
	return l.channel.Write(ctx, f)
}

// Request sends hex and waits for the notification carrying the same key,
// retrying with the configured policy. The answer is returned as wire text.
func (l *Link) Request(ctx context.Context, hex string) (string, error) {
	f, err := frame.Decode(strings.TrimSpace(hex))
	if err != nil {
		return "", err
	}
	resp, err := l.RequestFrame(ctx, f)
	if err != nil {
		return "", err
	}
	return resp.String(), nil
}

func (l *Link) RequestFrame(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	return l.RequestWith(ctx, req, l.cfg.Session.Policy())
}

// RequestWith is RequestFrame with an explicit retry policy.
func (l *Link) RequestWith(ctx context.Context, req frame.Frame, policy session.RetryPolicy) (frame.Frame, error) {
	if !l.running.Load() {
		return nil, ErrNotRunning
	}
	ctx, span := l.tracer.Start(ctx, "link.Request", trace.WithAttributes(
		attribute.String("hexlink.link", l.cfg.Name),
		attribute.String("hexlink.request", req.String()),
		attribute.Int("hexlink.max_attempts", policy.MaxAttempts),
	))
	defer span.End()
	if key, err := l.channel.KeySpec().Of(req); err == nil {
		span.SetAttributes(attribute.String("hexlink.key", string(key)))
	}

	resp, err := l.channel.SendWithRetry(ctx, req, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("hexlink.response", resp.String()))
	return resp, nil
}

// Notifications is the inbound log in arrival order.
func (l *Link) Notifications() []session.Entry {
	return l.channel.Log().Entries()
}

func (l *Link) Pending() []session.PendingRequest {
	return l.channel.Pending()
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}
