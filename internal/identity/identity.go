package identity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Cryptobot-Chain/internal/errors"
)

// CodeInvalidSignature is returned when a signature does not belong to the
// claimed caller or cannot be decoded.
const CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"

// ErrInvalidSignature matches any signature verification failure via errors.Is.
var ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "invalid signature")

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "invalid signature",
		Severity: xerrors.SeverityWarning,
	})
}

// ParseAddress parses a 0x-prefixed 20 byte hex address. Unlike
// common.HexToAddress it rejects malformed input instead of padding it.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("address %q must be 0x-prefixed", raw))
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("invalid address %q", raw))
	}
	return common.HexToAddress(trimmed), nil
}

// Digest returns the EIP-191 hash a wallet signs for payload.
func Digest(payload []byte) []byte {
	return accounts.TextHash(payload)
}

// Sign produces a 65 byte [R || S || V] signature with V in {27, 28}, the
// format wallets return from personal_sign.
func Sign(key *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signing key is nil")
	}
	sig, err := crypto.Sign(Digest(payload), key)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed payload.
func Recover(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeInvalidSignature,
			fmt.Sprintf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig)))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(payload), normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeInvalidSignature, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that claimed signed payload.
func Verify(claimed common.Address, payload, sig []byte) error {
	signer, err := Recover(payload, sig)
	if err != nil {
		return err
	}
	if signer != claimed {
		return xerrors.New(CodeInvalidSignature, "signature does not match caller",
			xerrors.WithMetadata("claimed", claimed.Hex()),
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	return nil
}

// DecodeSignature parses a hex encoded signature with or without 0x prefix.
func DecodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") {
		trimmed = "0x" + trimmed
	}
	sig, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidSignature, err, "decode signature")
	}
	return sig, nil
}

// ParseKey decodes a hex encoded secp256k1 private key.
func ParseKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse private key")
	}
	return key, nil
}

// AddressFromKey returns the address controlled by key.
func AddressFromKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
