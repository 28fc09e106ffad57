package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"

	"Cryptobot-Chain/internal/bot"
	xerrors "Cryptobot-Chain/internal/errors"
	"Cryptobot-Chain/internal/identity"
	"Cryptobot-Chain/internal/ledger"
	"Cryptobot-Chain/internal/observability/metrics"
	"Cryptobot-Chain/internal/tx"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fixture struct {
	ledger  *ledger.Service
	queue   *tx.MemoryQueue
	txs     *tx.Service
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.NewService(ledger.NewMemoryStore()),
		queue:   tx.NewMemoryQueue(8),
		metrics: metrics.New(),
	}
	f.txs = tx.NewService(f.queue, f.ledger, nil, 3)
	opts = append([]Option{WithTransactions(f.txs), WithMetrics(f.metrics, "/metrics")}, opts...)
	f.handler = NewServer(":0", f.ledger, opts...).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		payload = v
	default:
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deploy(t *testing.T) *ledger.Record {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/bots", DeployRequest{Alive: true}, asCaller(owner))
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var record ledger.Record
	decode(t, rec, &record)
	return &record
}

func asCaller(addr common.Address) map[string]string {
	return map[string]string{HeaderCaller: addr.Hex()}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestDeployAndGet(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)

	if created.State.Owner != owner || created.Version != 1 || !created.State.Alive {
		t.Fatalf("unexpected record: %+v", created)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/bots/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got ledger.Record
	decode(t, rec, &got)
	if diff := cmp.Diff(created, &got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/bots?limit=5", nil, nil)
	var list []*ledger.Record
	decode(t, rec, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestDeployWithExplicitOwner(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/bots", DeployRequest{Owner: stranger.Hex()}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var record ledger.Record
	decode(t, rec, &record)
	if record.State.Owner != stranger || record.State.Alive {
		t.Fatalf("unexpected state: %+v", record.State)
	}
}

func TestDeployRequiresCaller(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/bots", DeployRequest{Alive: true}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code %s", resp.Code)
	}
}

func TestGetUnknownBot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/bots/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != ledger.CodeBotNotFound {
		t.Fatalf("unexpected code %s", resp.Code)
	}
}

func TestInvokeAppliesCalls(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)
	path := "/api/v1/bots/" + created.ID + "/calls"

	calls := []CallRequest{
		{Entry: "rename", Name: "Zed"},
		{Entry: "move_x", Delta: -4},
		{Entry: "move_y", Delta: 7},
		{Entry: "fire", Category: "boss"},
	}
	var receipt ledger.Receipt
	for _, call := range calls {
		rec := f.do(t, http.MethodPost, path, call, asCaller(owner))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d: %s", call.Entry, rec.Code, rec.Body.String())
		}
		decode(t, rec, &receipt)
	}

	state := receipt.Record.State
	if state.Name != "Zed" || state.PosX != -4 || state.PosY != 7 || state.Ammo != bot.DefaultAmmo-1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Kills(bot.CategoryBoss) != 1 || receipt.Record.Version != 5 {
		t.Fatalf("unexpected kills or version: %+v", receipt.Record)
	}

	rec := f.do(t, http.MethodGet, path+"?limit=2", nil, nil)
	var journal []*ledger.CallRecord
	decode(t, rec, &journal)
	if len(journal) != 2 || journal[0].Call.Entry != bot.EntryFire {
		t.Fatalf("unexpected journal: %+v", journal)
	}
}

func TestInvokeRejectionStatus(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)
	path := "/api/v1/bots/" + created.ID + "/calls"

	cases := []struct {
		name    string
		caller  common.Address
		call    CallRequest
		status  int
		code    xerrors.Code
		journal bool
	}{
		{"not owner", stranger, CallRequest{Entry: "move_x", Delta: 1}, http.StatusForbidden, bot.CodeUnauthorized, true},
		{"below zero", owner, CallRequest{Entry: "move_y", Delta: -1}, http.StatusUnprocessableEntity, bot.CodeInvalidArithmetic, true},
		{"unknown category", owner, CallRequest{Entry: "fire", Category: "dragon"}, http.StatusBadRequest, bot.CodeInvalidArgument, true},
		{"unknown entry", owner, CallRequest{Entry: "warp"}, http.StatusBadRequest, bot.CodeInvalidArgument, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, tc.call, asCaller(tc.caller))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			var resp ErrorResponse
			decode(t, rec, &resp)
			if resp.Code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, resp.Code)
			}
			if tc.journal && (resp.Receipt == nil || resp.Receipt.Call.Status != ledger.CallRejected) {
				t.Fatalf("expected rejected receipt, got %+v", resp.Receipt)
			}
			if resp.Receipt.Record.Version != created.Version {
				t.Fatalf("rejection changed version to %d", resp.Receipt.Record.Version)
			}
		})
	}
}

func TestInvokeOutOfAmmo(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)
	path := "/api/v1/bots/" + created.ID + "/calls"

	for i := 0; i < int(bot.DefaultAmmo); i++ {
		rec := f.do(t, http.MethodPost, path, CallRequest{Entry: "fire", Category: "simple"}, asCaller(owner))
		if rec.Code != http.StatusOK {
			t.Fatalf("shot %d: unexpected status %d", i, rec.Code)
		}
	}
	rec := f.do(t, http.MethodPost, path, CallRequest{Entry: "fire", Category: "simple"}, asCaller(owner))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp ErrorResponse
	decode(t, rec, &resp)
	if resp.Code != bot.CodeOutOfResource || resp.Receipt.Record.State.Ammo != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestInvokeReplaysTxID(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)
	path := "/api/v1/bots/" + created.ID + "/calls"
	call := CallRequest{TxID: "tx-42", Entry: "move_x", Delta: 3}

	var first, second ledger.Receipt
	decode(t, f.do(t, http.MethodPost, path, call, asCaller(owner)), &first)
	decode(t, f.do(t, http.MethodPost, path, call, asCaller(owner)), &second)

	if !second.Replayed || second.Record.State.PosX != 3 || second.Record.Version != first.Record.Version {
		t.Fatalf("expected replayed receipt, got %+v", second)
	}
}

// signedHeaders 按服务端的签名格式为请求生成签名头。
func signedHeaders(t *testing.T, key *ecdsa.PrivateKey, method, path string, signedAt time.Time, body []byte) map[string]string {
	t.Helper()
	ts := signedAt.UnixMilli()
	sig, err := identity.Sign(key, identity.RequestPayload(method, path, ts, body))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]string{
		HeaderSignature: hexutil.Encode(sig),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
	}
}

func TestSignedCalls(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := identity.AddressFromKey(key)
	f := newFixture(t, WithSignatureRequired(true))

	deployBody := []byte(`{"alive":true}`)
	rec := f.do(t, http.MethodPost, "/api/v1/bots", deployBody,
		signedHeaders(t, key, http.MethodPost, "/api/v1/bots", time.Now(), deployBody))
	if rec.Code != http.StatusCreated {
		t.Fatalf("signed deploy failed: %d %s", rec.Code, rec.Body.String())
	}
	var created ledger.Record
	decode(t, rec, &created)
	if created.State.Owner != signer {
		t.Fatalf("owner should be the signer, got %s", created.State.Owner.Hex())
	}
	path := "/api/v1/bots/" + created.ID + "/calls"

	body := []byte(`{"entry":"rename","name":"signed"}`)
	headers := signedHeaders(t, key, http.MethodPost, path, time.Now(), body)
	headers[HeaderCaller] = signer.Hex()
	rec = f.do(t, http.MethodPost, path, body, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed call failed: %d %s", rec.Code, rec.Body.String())
	}

	expectInvalidSignature := func(t *testing.T, rec *httptest.ResponseRecorder) {
		t.Helper()
		var resp ErrorResponse
		decode(t, rec, &resp)
		if rec.Code != http.StatusForbidden || resp.Code != identity.CodeInvalidSignature {
			t.Fatalf("expected invalid signature, got %d %s", rec.Code, resp.Code)
		}
	}

	t.Run("missing signature", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, path, body, asCaller(signer))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("missing timestamp", func(t *testing.T) {
		headers := signedHeaders(t, key, http.MethodPost, path, time.Now(), body)
		delete(headers, HeaderTimestamp)
		expectInvalidSignature(t, f.do(t, http.MethodPost, path, body, headers))
	})

	t.Run("caller mismatch", func(t *testing.T) {
		headers := signedHeaders(t, key, http.MethodPost, path, time.Now(), body)
		headers[HeaderCaller] = stranger.Hex()
		expectInvalidSignature(t, f.do(t, http.MethodPost, path, body, headers))
	})

	t.Run("tampered body", func(t *testing.T) {
		tampered := []byte(`{"entry":"rename","name":"forged"}`)
		headers := signedHeaders(t, key, http.MethodPost, path, time.Now(), body)
		headers[HeaderCaller] = signer.Hex()
		expectInvalidSignature(t, f.do(t, http.MethodPost, path, tampered, headers))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		headers := signedHeaders(t, key, http.MethodPost, path, time.Now().Add(-10*time.Minute), body)
		expectInvalidSignature(t, f.do(t, http.MethodPost, path, body, headers))
	})
}

func TestSignedCallsCannotBeReplayed(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := newFixture(t, WithSignatureRequired(true))

	signedAt := time.Now()
	deploy := func() ledger.Record {
		// 两次部署的请求体相同，时间戳必须不同。
		signedAt = signedAt.Add(time.Millisecond)
		body := []byte(`{"alive":true}`)
		rec := f.do(t, http.MethodPost, "/api/v1/bots", body,
			signedHeaders(t, key, http.MethodPost, "/api/v1/bots", signedAt, body))
		if rec.Code != http.StatusCreated {
			t.Fatalf("signed deploy failed: %d %s", rec.Code, rec.Body.String())
		}
		var created ledger.Record
		decode(t, rec, &created)
		return created
	}
	botA, botB := deploy(), deploy()
	pathA := "/api/v1/bots/" + botA.ID + "/calls"
	pathB := "/api/v1/bots/" + botB.ID + "/calls"

	fire := []byte(`{"entry":"fire","category":"boss"}`)
	headers := signedHeaders(t, key, http.MethodPost, pathA, time.Now(), fire)

	if rec := f.do(t, http.MethodPost, pathA, fire, headers); rec.Code != http.StatusOK {
		t.Fatalf("first fire failed: %d %s", rec.Code, rec.Body.String())
	}
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, pathA, fire, headers); rec.Code != http.StatusForbidden {
			t.Fatalf("resend %d: expected 403, got %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	if rec := f.do(t, http.MethodPost, pathB, fire, headers); rec.Code != http.StatusForbidden {
		t.Fatalf("cross-bot resend: expected 403, got %d %s", rec.Code, rec.Body.String())
	}

	ctx := context.Background()
	a, err := f.ledger.Get(ctx, botA.ID)
	if err != nil {
		t.Fatalf("get A: %v", err)
	}
	b, err := f.ledger.Get(ctx, botB.ID)
	if err != nil {
		t.Fatalf("get B: %v", err)
	}
	if a.State.Ammo != botA.State.Ammo-1 || b.State.Ammo != botB.State.Ammo {
		t.Fatalf("unexpected ammo after resends: A=%d B=%d", a.State.Ammo, b.State.Ammo)
	}
}

func TestSubmitTransaction(t *testing.T) {
	f := newFixture(t)
	created := f.deploy(t)

	rec := f.do(t, http.MethodPost, "/api/v1/bots/"+created.ID+"/transactions",
		CallRequest{TxID: "tx-async", Entry: "move_y", Delta: 2}, asCaller(owner))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var submitted SubmitResponse
	decode(t, rec, &submitted)
	if diff := cmp.Diff(SubmitResponse{TxID: "tx-async", Status: tx.StatusPending}, submitted); diff != "" {
		t.Fatalf("submit response mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	processor := tx.NewProcessor(f.ledger, f.queue, f.queue, tx.WithTracker(f.txs.Tracker()))
	go func() { _ = processor.Start(ctx) }()

	if _, err := f.txs.WaitUntilSettled(ctx, "tx-async", 10*time.Millisecond); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/transactions/tx-async", nil, nil)
	var info tx.Info
	decode(t, rec, &info)
	if info.Status != tx.StatusApplied || info.Call == nil || info.Call.Version != 2 {
		t.Fatalf("unexpected transaction info: %+v", info)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTransactionsDisabled(t *testing.T) {
	handler := NewServer(":0", ledger.NewService(ledger.NewMemoryStore())).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions/tx-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.deploy(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cryptobot_http_requests_total") {
		t.Fatalf("request metrics not exported:\n%s", rec.Body.String())
	}
}

func TestBadLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/bots?limit=-1", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		bot.CodeUnauthorized:           http.StatusForbidden,
		identity.CodeInvalidSignature:  http.StatusForbidden,
		bot.CodeInvalidArgument:        http.StatusBadRequest,
		bot.CodeInvalidArithmetic:      http.StatusUnprocessableEntity,
		bot.CodeOutOfResource:          http.StatusConflict,
		tx.CodeTxNotFound:              http.StatusNotFound,
		ledger.CodeVersionConflict:     http.StatusConflict,
		xerrors.CodeStorageFailure:     http.StatusInternalServerError,
		xerrors.Code("SOMETHING_ELSE"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
