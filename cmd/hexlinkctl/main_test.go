package main

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/hexlink/internal/peer"
	"github.com/danmuck/hexlink/internal/protocol/frame"
	"github.com/danmuck/hexlink/internal/protocol/session"
	"github.com/danmuck/hexlink/internal/testutil/testlog"
)

func startPeer(t *testing.T, rules []peer.Rule) string {
	t.Helper()
	responder, err := peer.NewResponder(rules)
	if err != nil {
		t.Fatalf("responder: %v", err)
	}
	srv := httptest.NewServer(peer.NewServer(peer.DefaultConfig(), responder).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRequestCommandPrintsResponse(t *testing.T) {
	testlog.Start(t)
	url := startPeer(t, []peer.Rule{{Key: "0303", Respond: []string{"AA03030001"}}})

	out, err := execute(t, "request", "--url", url, "0B03030303CC")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if strings.TrimSpace(out) != "AA03030001" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRequestCommandExhaustsAttempts(t *testing.T) {
	testlog.Start(t)
	url := startPeer(t, nil)

	_, err := execute(t, "request", "--url", url, "-n", "2", "-t", "10ms", "0B03030303CC")
	if !errors.Is(err, session.ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
}

func TestSendCommandRejectsMalformedFrame(t *testing.T) {
	testlog.Start(t)
	_, err := execute(t, "send", "--url", "ws://127.0.0.1:1/ws", "0B0")
	if !errors.Is(err, frame.ErrMalformedFrame) {
		t.Fatalf("expected malformed frame, got %v", err)
	}
}

func TestSendCommandWritesFrames(t *testing.T) {
	testlog.Start(t)
	url := startPeer(t, nil)

	out, err := execute(t, "send", "--url", url, "0B03030303CC", "0B04040404")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "sent 0B03030303CC") || !strings.Contains(out, "sent 0B04040404") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version: %q", out)
	}
}
