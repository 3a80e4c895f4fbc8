package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/testutil/testlog"
	"github.com/danmuck/hexlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureReceiver struct {
	mu          sync.Mutex
	frames      []string
	disconnects []error
}

func (c *captureReceiver) OnFrameReceived(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame.Encode(raw))
}

func (c *captureReceiver) OnDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, err)
}

func (c *captureReceiver) snapshot() ([]string, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...), append([]error(nil), c.disconnects...)
}

func newConn(t *testing.T, rules []peer.Rule, unsolicited ...string) *Conn {
	t.Helper()
	r, err := peer.NewResponder(rules, unsolicited...)
	require.NoError(t, err)
	return New(r)
}

func TestRepliesArriveInOrder(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, []peer.Rule{{Key: "0303", Respond: []string{"AA03030001", "AA03030002"}}}, "AA99991234")
	rec := &captureReceiver{}

	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), rec) }()

	require.NoError(t, c.Write(context.Background(), frame.MustDecode("0B03030303CC")))
	require.Eventually(t, func() bool {
		frames, _ := rec.snapshot()
		return len(frames) == 3
	}, time.Second, time.Millisecond)
	frames, _ := rec.snapshot()
	assert.Equal(t, []string{"AA03030001", "AA03030002", "AA99991234"}, frames)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-done, transport.ErrClosed)
	_, disconnects := rec.snapshot()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], transport.ErrClosed)
	assert.ErrorIs(t, c.Write(context.Background(), frame.MustDecode("0B03030303CC")), transport.ErrClosed)
}

func TestDropReportsCauseOnce(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, nil)
	rec := &captureReceiver{}
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), rec) }()

	cause := errors.New("link lost")
	c.Drop(cause)
	c.Drop(errors.New("second"))
	assert.ErrorIs(t, <-done, cause)
	_, disconnects := rec.snapshot()
	assert.Equal(t, []error{cause}, disconnects)
}

func TestFailWritesRecordsAttempt(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, []peer.Rule{{Key: "0303", Echo: true}})
	boom := errors.New("write rejected")
	c.FailWrites(boom)

	assert.ErrorIs(t, c.Write(context.Background(), frame.MustDecode("0B03030303CC")), boom)
	assert.Len(t, c.Writes(), 1)

	c.FailWrites(nil)
	require.NoError(t, c.Write(context.Background(), frame.MustDecode("0B03030303CC")))
	assert.Len(t, c.Writes(), 2)
}

func TestServeStopsOnContext(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, nil)
	rec := &captureReceiver{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, rec) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, disconnects := rec.snapshot()
	require.Len(t, disconnects, 1)
}

func TestDelayedBatchKeepsOrderAndYieldsToImmediateReplies(t *testing.T) {
	testlog.Start(t)
	c := newConn(t, []peer.Rule{
		{Key: "0101", Respond: []string{"AA01010001", "AA01010002"}, Delay: 40 * time.Millisecond},
		{Key: "0202", Respond: []string{"AA02020001"}},
	})
	rec := &captureReceiver{}
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background(), rec) }()

	require.NoError(t, c.Write(context.Background(), frame.MustDecode("0B01010101")))
	require.NoError(t, c.Write(context.Background(), frame.MustDecode("0B02020202")))
	require.Eventually(t, func() bool {
		frames, _ := rec.snapshot()
		return len(frames) == 3
	}, time.Second, time.Millisecond)
	frames, _ := rec.snapshot()
	assert.Equal(t, []string{"AA02020001", "AA01010001", "AA01010002"}, frames)

	require.NoError(t, c.Close())
	<-done
}
