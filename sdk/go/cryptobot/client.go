// Package cryptobot is a Go client for the bot ledger REST API.
package cryptobot

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const (
	headerCaller    = "X-Bot-Caller"
	headerSignature = "X-Bot-Signature"
	headerTimestamp = "X-Bot-Timestamp"
)

// Entry names accepted by Call and Submit.
const (
	EntryRename = "rename"
	EntryMoveX  = "move_x"
	EntryMoveY  = "move_y"
	EntryFire   = "fire"
)

// Transaction statuses reported by the server.
const (
	StatusPending  = "pending"
	StatusApplied  = "applied"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Client wraps the HTTP interactions with the bot ledger API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	caller string
	key    *ecdsa.PrivateKey

	// lastSigned keeps signing timestamps strictly increasing so identical
	// requests sent within one millisecond are not refused as resends.
	lastSigned atomic.Int64
}

// State mirrors the server side bot state.
type State struct {
	Owner     string            `json:"owner"`
	Name      string            `json:"name"`
	Alive     bool              `json:"alive"`
	PosX      int64             `json:"pos_x"`
	PosY      uint64            `json:"pos_y"`
	Ammo      uint64            `json:"ammo"`
	KillTally map[string]uint64 `json:"kill_tally"`
}

// Bot is a deployed bot together with its ledger version.
type Bot struct {
	ID        string `json:"id"`
	State     *State `json:"state"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// DeployRequest is the payload for Deploy. An empty Owner makes the caller the
// owner.
type DeployRequest struct {
	Owner string `json:"owner,omitempty"`
	Alive bool   `json:"alive"`
}

// CallRequest invokes one entry. Only the parameter the entry uses is read.
type CallRequest struct {
	TxID     string `json:"tx_id,omitempty"`
	Entry    string `json:"entry"`
	Name     string `json:"name,omitempty"`
	Delta    int64  `json:"delta,omitempty"`
	Category string `json:"category,omitempty"`
}

// CallArgs is the call as recorded in the journal.
type CallArgs struct {
	Entry    string `json:"entry"`
	Caller   string `json:"caller"`
	Name     string `json:"name,omitempty"`
	Delta    int64  `json:"delta,omitempty"`
	Category string `json:"category,omitempty"`
}

// CallRecord is one journal entry.
type CallRecord struct {
	Seq       int64    `json:"seq"`
	TxID      string   `json:"tx_id,omitempty"`
	BotID     string   `json:"bot_id"`
	Call      CallArgs `json:"call"`
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code,omitempty"`
	Error     string   `json:"error,omitempty"`
	Version   int64    `json:"version"`
	CreatedAt int64    `json:"created_at"`
}

// Receipt is returned by Call.
type Receipt struct {
	Record   *Bot        `json:"record"`
	Call     *CallRecord `json:"call"`
	Replayed bool        `json:"replayed,omitempty"`
}

// Submission acknowledges an asynchronous transaction.
type Submission struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

// Transaction reports the state of an asynchronous transaction.
type Transaction struct {
	TxID      string      `json:"tx_id"`
	BotID     string      `json:"bot_id"`
	Status    string      `json:"status"`
	Attempts  int         `json:"attempts,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Error     string      `json:"error,omitempty"`
	Call      *CallRecord `json:"call,omitempty"`
}

// APIError represents a non 2xx response. Rejected calls carry the receipt of
// the journal entry that recorded the rejection.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Receipt    *Receipt          `json:"receipt,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("cryptobot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cryptobot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the bot ledger API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetCaller sets the address sent in X-Bot-Caller.
func (c *Client) SetCaller(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = address
}

// SetSigningKey makes the client sign every request body with key and use
// the key's address as caller.
func (c *Client) SetSigningKey(key *ecdsa.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	if key != nil {
		c.caller = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}
}

// Caller returns the configured caller address.
func (c *Client) Caller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// Deploy creates a bot.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*Bot, error) {
	var out Bot
	if err := c.post(ctx, "/api/v1/bots", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches a bot by id.
func (c *Client) Get(ctx context.Context, id string) (*Bot, error) {
	var out Bot
	if err := c.get(ctx, "/api/v1/bots/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the most recently deployed bots.
func (c *Client) List(ctx context.Context, limit int) ([]Bot, error) {
	var out []Bot
	if err := c.get(ctx, "/api/v1/bots", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Call invokes an entry synchronously. A rejection is returned as *APIError
// with Receipt set.
func (c *Client) Call(ctx context.Context, botID string, req CallRequest) (*Receipt, error) {
	var out Receipt
	if err := c.post(ctx, "/api/v1/bots/"+url.PathEscape(botID)+"/calls", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Calls returns the newest journal entries of a bot.
func (c *Client) Calls(ctx context.Context, botID string, limit int) ([]CallRecord, error) {
	var out []CallRecord
	if err := c.get(ctx, "/api/v1/bots/"+url.PathEscape(botID)+"/calls", limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit queues an entry invocation for asynchronous processing.
func (c *Client) Submit(ctx context.Context, botID string, req CallRequest) (*Submission, error) {
	var out Submission
	if err := c.post(ctx, "/api/v1/bots/"+url.PathEscape(botID)+"/transactions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transaction fetches the status of an asynchronous transaction.
func (c *Client) Transaction(ctx context.Context, txID string) (*Transaction, error) {
	var out Transaction
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(txID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitTransaction polls until the transaction leaves the pending state.
func (c *Client) WaitTransaction(ctx context.Context, txID string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		txn, err := c.Transaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		if txn.Status != StatusPending {
			return txn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.identify(req, body); err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) identify(req *http.Request, body []byte) error {
	c.mu.RLock()
	caller, key := c.caller, c.key
	c.mu.RUnlock()

	if caller != "" {
		req.Header.Set(headerCaller, caller)
	}
	if key == nil {
		return nil
	}
	ts := c.nextTimestamp()
	sig, err := crypto.Sign(accounts.TextHash(signingPayload(req.Method, req.URL.Path, ts, body)), key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	req.Header.Set(headerSignature, hexutil.Encode(sig))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	return nil
}

func (c *Client) nextTimestamp() int64 {
	for {
		last := c.lastSigned.Load()
		ts := time.Now().UnixMilli()
		if ts <= last {
			ts = last + 1
		}
		if c.lastSigned.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// signingPayload is the message the server verifies: method, path and Unix
// millisecond timestamp on their own lines, followed by the raw body.
func signingPayload(method, path string, timestamp int64, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte('\n')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}
