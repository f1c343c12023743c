package nostr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/blackmichael/peertube-nostr/internal/domain"
)

// ErrInvalidKey is returned for a credential that is neither an nsec nor a
// 64-character hex private key.
var ErrInvalidKey = errors.New("invalid nostr private key")

// SignError wraps a signing failure.
type SignError struct {
	Err error
}

func (e *SignError) Error() string { return "sign event: " + e.Err.Error() }

func (e *SignError) Unwrap() error { return e.Err }

// KeySigner signs events with a secp256k1 private key.
type KeySigner struct {
	secHex string
	pubHex string
}

// NewSigner decodes secret and returns a signer for it. The credential
// format is detected once here: bech32 nsec1... or raw hex.
func NewSigner(secret string) (*KeySigner, error) {
	sk, err := decodeSecret(strings.TrimSpace(secret))
	if err != nil {
		return nil, err
	}
	pub, err := gonostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &KeySigner{secHex: sk, pubHex: pub}, nil
}

// decodeSecret returns the private key as lower-case hex.
func decodeSecret(s string) (string, error) {
	switch {
	case strings.HasPrefix(strings.ToLower(s), "nsec1"):
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		sk, ok := value.(string)
		if prefix != "nsec" || !ok || len(sk) != 64 {
			return "", fmt.Errorf("%w: not a 32-byte nsec", ErrInvalidKey)
		}
		return strings.ToLower(sk), nil
	case len(s) == 64:
		if _, err := hex.DecodeString(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return strings.ToLower(s), nil
	default:
		return "", ErrInvalidKey
	}
}

// PublicKey returns the hex x-only public key.
func (s *KeySigner) PublicKey() string { return s.pubHex }

// Npub returns the NIP-19 encoding of the public key.
func (s *KeySigner) Npub() string {
	out, _ := nip19.EncodePublicKey(s.pubHex)
	return out
}

// Sign fills in pubkey, id and sig for msg.
func (s *KeySigner) Sign(ctx context.Context, msg domain.Message) (*domain.SignedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SignError{Err: err}
	}
	kind := msg.Kind
	if kind == 0 {
		kind = KindTextNote
	}

	e := toEvent(&domain.SignedMessage{
		CreatedAt: msg.CreatedAt.Unix(),
		Kind:      kind,
		Tags:      msg.Tags,
		Content:   msg.Content,
	})
	if err := e.Sign(s.secHex); err != nil {
		return nil, &SignError{Err: err}
	}
	return fromEvent(&e), nil
}

// GenerateKey returns a new random private key as an nsec.
func GenerateKey() (string, error) {
	nsec, err := nip19.EncodePrivateKey(gonostr.GeneratePrivateKey())
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return nsec, nil
}

// EncodeNsec encodes a 32-byte private key as nsec1...
func EncodeNsec(key []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrInvalidKey
	}
	return nip19.EncodePrivateKey(hex.EncodeToString(key))
}
