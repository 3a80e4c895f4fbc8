package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/protocol/session"
	"github.com/danmuck/hexlink/internal/testutil/testlog"
	"github.com/danmuck/hexlink/internal/transport/loopback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) observe(f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f.String())
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func fastConfig(attempts int, timeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Name = "test-link"
	cfg.Session.MaxAttempts = attempts
	cfg.Session.AttemptTimeout = timeout
	return cfg
}

func startLink(t *testing.T, rules []peer.Rule, cfg Config, opts ...Option) (*Link, *loopback.Conn) {
	t.Helper()
	responder, err := peer.NewKeyedResponder(cfg.Session.Key, rules)
	require.NoError(t, err)
	conn := loopback.New(responder)
	l := New(conn, cfg, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, conn
}

func TestRequestEndToEnd(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	l, conn := startLink(t, []peer.Rule{
		{Key: "0303", Respond: []string{"AA03030001"}},
	}, fastConfig(3, time.Second), WithObserver(rec.observe))

	got, err := l.Request(context.Background(), "0B03030303CC")
	require.NoError(t, err)
	assert.Equal(t, "AA03030001", got)
	assert.Len(t, conn.Writes(), 1)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"AA03030001"}, rec.snapshot())

	entries := l.Notifications()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Empty(t, l.Pending())
}

func TestRequestRetriesUntilPeerAnswers(t *testing.T) {
	testlog.Start(t)
	l, conn := startLink(t, []peer.Rule{
		{Request: "0B03030303CC", Respond: []string{"AA03030001"}, DropFirst: 1},
	}, fastConfig(3, 30*time.Millisecond))

	got, err := l.Request(context.Background(), "0b03030303cc")
	require.NoError(t, err)
	assert.Equal(t, "AA03030001", got)
	assert.Len(t, conn.Writes(), 2)
}

func TestRequestExhaustsRetries(t *testing.T) {
	testlog.Start(t)
	l, conn := startLink(t, nil, fastConfig(3, 5*time.Millisecond))

	_, err := l.Request(context.Background(), "0B03030303CC")
	require.ErrorIs(t, err, session.ErrRetriesExhausted)
	assert.NotErrorIs(t, err, session.ErrRequestTimeout)
	assert.Len(t, conn.Writes(), 3)
}

func TestUnsolicitedTrafficLeavesRequestPending(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	l, conn := startLink(t, []peer.Rule{
		{Key: "0303", Respond: []string{"AA03030001"}, Delay: 20 * time.Millisecond},
	}, fastConfig(1, time.Second), WithObserver(rec.observe))

	result := make(chan error, 1)
	go func() {
		_, err := l.Request(context.Background(), "0B03030303CC")
		result <- err
	}()
	require.Eventually(t, func() bool { return len(l.Pending()) == 1 }, time.Second, time.Millisecond)

	conn.Inject(frame.MustDecode("AA99991234"))
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "AA99991234", rec.snapshot()[0])

	require.NoError(t, <-result)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"AA99991234", "AA03030001"}, rec.snapshot())
}

func TestDisconnectFailsPendingRequest(t *testing.T) {
	testlog.Start(t)
	disconnected := make(chan error, 1)
	l, conn := startLink(t, []peer.Rule{
		{Key: "0303", Respond: []string{"AA03030001"}, Delay: time.Hour},
	}, fastConfig(3, time.Second), WithDisconnectHandler(func(err error) { disconnected <- err }))

	result := make(chan error, 1)
	go func() {
		_, err := l.Request(context.Background(), "0B03030303CC")
		result <- err
	}()
	require.Eventually(t, func() bool { return len(l.Pending()) == 1 }, time.Second, time.Millisecond)

	cause := errors.New("gatt server disconnected")
	conn.Drop(cause)

	select {
	case err := <-result:
		require.ErrorIs(t, err, session.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed on disconnect")
	}
	assert.ErrorIs(t, <-disconnected, cause)
	assert.False(t, l.Running())

	err := l.Send(context.Background(), "0B03030303CC")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, err, session.ErrChannelClosed)
}

func TestSendIsFireAndForget(t *testing.T) {
	testlog.Start(t)
	l, conn := startLink(t, nil, fastConfig(1, time.Second))

	require.NoError(t, l.Send(context.Background(), "0B03030303CC"))
	require.Len(t, conn.Writes(), 1)
	assert.Equal(t, "0B03030303CC", conn.Writes()[0].String())

	err := l.Send(context.Background(), "0B0")
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
}

func TestTransportFailureIsTerminal(t *testing.T) {
	testlog.Start(t)
	l, conn := startLink(t, []peer.Rule{{Key: "0303", Echo: true}}, fastConfig(3, 5*time.Millisecond),
		WithTracerProvider(noop.NewTracerProvider()))
	conn.FailWrites(errors.New("characteristic write rejected"))

	_, err := l.Request(context.Background(), "0B03030303CC")
	require.ErrorIs(t, err, session.ErrTransport)
	assert.Len(t, conn.Writes(), 1)
}

func TestRequestBeforeStart(t *testing.T) {
	testlog.Start(t)
	responder, err := peer.NewResponder(nil)
	require.NoError(t, err)
	l := New(loopback.New(responder), DefaultConfig())

	_, err = l.Request(context.Background(), "0B03030303CC")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = l.Request(context.Background(), "XYZ")
	assert.ErrorIs(t, err, frame.ErrMalformedFrame)
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}

func TestObserverMayIssueFollowUpRequest(t *testing.T) {
	testlog.Start(t)
	followUp := make(chan string, 1)
	var l *Link
	l, _ = startLink(t, []peer.Rule{
		{Key: "0303", Respond: []string{"AA03030001"}},
		{Key: "0404", Respond: []string{"AA04040001"}},
	}, fastConfig(1, time.Second), WithObserver(func(f frame.Frame) {
		if f.String() != "AA03030001" {
			return
		}
		got, err := l.Request(context.Background(), "0B04040404CC")
		if err != nil {
			got = err.Error()
		}
		followUp <- got
	}))

	got, err := l.Request(context.Background(), "0B03030303CC")
	require.NoError(t, err)
	assert.Equal(t, "AA03030001", got)

	select {
	case got := <-followUp:
		assert.Equal(t, "AA04040001", got)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up request from observer never resolved")
	}
}

func TestObserverFollowUpFromGoroutine(t *testing.T) {
	testlog.Start(t)
	followUp := make(chan string, 1)
	var l *Link
	l, _ = startLink(t, []peer.Rule{
		{Key: "0003", Respond: []string{"AA000303"}},
		{Key: "0004", Respond: []string{"AA000404"}},
	}, fastConfig(1, time.Second), WithObserver(func(f frame.Frame) {
		if f.String() != "AA000303" {
			return
		}
		go func() {
			got, err := l.Request(context.Background(), "0B000404CC")
			if err != nil {
				got = err.Error()
			}
			followUp <- got
		}()
	}))

	got, err := l.Request(context.Background(), "0B000303CC")
	require.NoError(t, err)
	assert.Equal(t, "AA000303", got)

	select {
	case got := <-followUp:
		assert.Equal(t, "AA000404", got)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up request never resolved")
	}
}

func TestLinkCorrelatesOnConfiguredKeySpec(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig(1, time.Second)
	cfg.Session.Key = frame.Bytes23KeySpec
	l, _ := startLink(t, []peer.Rule{
		{Key: "0303", Respond: []string{"AA99030301"}},
	}, cfg)

	got, err := l.Request(context.Background(), "0B03030303CC")
	require.NoError(t, err)
	assert.Equal(t, "AA99030301", got)
}
