package identity

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestRequestPayloadBindsMethodPathAndTimestamp(t *testing.T) {
	body := []byte(`{"entry":"fire","category":"boss"}`)
	base := RequestPayload("post", "/api/v1/bots/a/calls", 1_700_000_000_000, body)

	want := "POST\n/api/v1/bots/a/calls\n1700000000000\n" + string(body)
	if string(base) != want {
		t.Fatalf("unexpected payload %q", base)
	}
	for name, other := range map[string][]byte{
		"path":      RequestPayload("POST", "/api/v1/bots/b/calls", 1_700_000_000_000, body),
		"method":    RequestPayload("PUT", "/api/v1/bots/a/calls", 1_700_000_000_000, body),
		"timestamp": RequestPayload("POST", "/api/v1/bots/a/calls", 1_700_000_000_001, body),
	} {
		if bytes.Equal(base, other) {
			t.Fatalf("payload does not depend on %s", name)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	if ts, err := ParseTimestamp(" 1700000000000 "); err != nil || ts != 1_700_000_000_000 {
		t.Fatalf("unexpected result %d, %v", ts, err)
	}
	for _, raw := range []string{"", "abc", "-5", "0"} {
		if _, err := ParseTimestamp(raw); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("ParseTimestamp(%q) expected invalid signature, got %v", raw, err)
		}
	}
}

func TestReplayGuardAcceptsOnce(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	g := NewReplayGuard(time.Minute)
	g.clock = func() time.Time { return now }

	payload := RequestPayload("POST", "/api/v1/bots/a/calls", now.UnixMilli(), []byte(`{}`))
	if err := g.Accept(now.UnixMilli(), payload); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := g.Accept(now.UnixMilli(), payload); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected replay to be refused, got %v", err)
	}

	other := RequestPayload("POST", "/api/v1/bots/b/calls", now.UnixMilli(), []byte(`{}`))
	if err := g.Accept(now.UnixMilli(), other); err != nil {
		t.Fatalf("distinct payload refused: %v", err)
	}
}

func TestReplayGuardRejectsStaleAndFutureTimestamps(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	g := NewReplayGuard(time.Minute)
	g.clock = func() time.Time { return now }

	for _, ts := range []int64{
		now.Add(-2 * time.Minute).UnixMilli(),
		now.Add(2 * time.Minute).UnixMilli(),
	} {
		payload := RequestPayload("POST", "/x", ts, nil)
		if err := g.Accept(ts, payload); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("timestamp %d expected refusal, got %v", ts, err)
		}
	}
	if g.Len() != 0 {
		t.Fatalf("refused payloads must not be remembered")
	}
}

func TestReplayGuardForgetsExpiredEntries(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	g := NewReplayGuard(time.Minute)
	g.clock = func() time.Time { return now }

	ts := now.UnixMilli()
	if err := g.Accept(ts, RequestPayload("POST", "/x", ts, nil)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	now = now.Add(2 * time.Minute)
	fresh := now.UnixMilli()
	if err := g.Accept(fresh, RequestPayload("POST", "/y", fresh, nil)); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if g.Len() != 1 {
		t.Fatalf("expected expired entry to be pruned, have %d", g.Len())
	}
}
