package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	xerrors "Cryptobot-Chain/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFanoutDispatcherDeliversToEveryChannel(t *testing.T) {
	ok := &stubNotifier{channel: "a"}
	failing := &stubNotifier{channel: "b", err: errors.New("boom")}
	d := NewFanout(ok, nil, failing)

	if got := d.Channels(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected channels: %v", got)
	}

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeQueueFailure, TxID: "tx-1"})
	if err == nil || !strings.Contains(err.Error(), "channel b") {
		t.Fatalf("expected joined error for channel b, got %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("event not delivered to all notifiers")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestLogNotifierWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeStorageFailure,
		Message:  "ledger unavailable",
		Severity: xerrors.SeverityCritical,
		TxID:     "tx-9",
		BotID:    "bot-1",
		Metadata: map[string]string{"stage": "terminal"},
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"tx_id":"tx-9"`, `"stage":"terminal"`, `ledger unavailable`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %s: %s", want, out)
		}
	}
}
