package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Cryptobot-Chain/internal/errors"
)

// DefaultMaxSkew bounds how far a signed request timestamp may drift from the
// server clock.
const DefaultMaxSkew = 5 * time.Minute

// RequestPayload returns the bytes a caller signs for an HTTP request. The
// method and path bind the signature to one endpoint and bot, and the Unix
// millisecond timestamp bounds how long it stays usable.
func RequestPayload(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(body) + 24)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.Write(body)
	return []byte(b.String())
}

// ParseTimestamp parses a Unix millisecond timestamp header value.
func ParseTimestamp(raw string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ts <= 0 {
		return 0, xerrors.New(CodeInvalidSignature, fmt.Sprintf("invalid signature timestamp %q", raw))
	}
	return ts, nil
}

// ReplayGuard accepts each signed payload at most once while its timestamp is
// inside the skew window. Entries are forgotten once they could no longer pass
// the timestamp check anyway.
type ReplayGuard struct {
	mu        sync.Mutex
	maxSkew   time.Duration
	seen      map[string]time.Time
	nextPrune time.Time
	clock     func() time.Time
}

// NewReplayGuard returns a guard using maxSkew, or DefaultMaxSkew when
// maxSkew is not positive.
func NewReplayGuard(maxSkew time.Duration) *ReplayGuard {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &ReplayGuard{
		maxSkew: maxSkew,
		seen:    make(map[string]time.Time),
		clock:   time.Now,
	}
}

// Accept checks that timestamp is fresh and that payload was not accepted
// before. Call it only after the signature over payload has been verified.
func (g *ReplayGuard) Accept(timestamp int64, payload []byte) error {
	now := g.clock()
	signedAt := time.UnixMilli(timestamp)
	if skew := now.Sub(signedAt); skew > g.maxSkew || skew < -g.maxSkew {
		return xerrors.New(CodeInvalidSignature, "signature timestamp outside allowed window",
			xerrors.WithMetadata("timestamp", strconv.FormatInt(timestamp, 10)))
	}

	key := hexutil.Encode(Digest(payload))
	expires := signedAt.Add(g.maxSkew)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !now.Before(g.nextPrune) {
		for k, exp := range g.seen {
			if now.After(exp) {
				delete(g.seen, k)
			}
		}
		g.nextPrune = now.Add(g.maxSkew / 4)
	}
	if _, ok := g.seen[key]; ok {
		return xerrors.New(CodeInvalidSignature, "signed request already used")
	}
	g.seen[key] = expires
	return nil
}

// Len reports how many payloads are remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
