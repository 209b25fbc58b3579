// Package challenge issues the server-bound messages claimants must sign.
//
// A challenge binds an address to a claim window and a single-use nonce.
// The claim service only accepts signatures over a message that parses as a
// challenge it issued, for the current window, that has not been consumed.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInvalidChallenge covers malformed, unknown, expired, reused or
// mismatched challenges.
var ErrInvalidChallenge = errors.New("invalid challenge")

// ErrNotFound is returned by a Store when the nonce is absent or expired.
var ErrNotFound = errors.New("challenge not found")

const (
	header       = "Learning Rewards claim"
	prefixAddr   = "Address: "
	prefixWindow = "Window: "
	prefixNonce  = "Nonce: "
	prefixIssued = "Issued At: "
)

// Challenge is one issued claim challenge.
type Challenge struct {
	Address   common.Address `json:"address"`
	WindowID  string         `json:"window_id"`
	Nonce     string         `json:"nonce"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Message renders the exact text the claimant signs.
func (c Challenge) Message() string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n" + prefixAddr + c.Address.Hex())
	b.WriteString("\n" + prefixWindow + c.WindowID)
	b.WriteString("\n" + prefixNonce + c.Nonce)
	b.WriteString("\n" + prefixIssued + c.IssuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Parse strictly decodes a signed message back into a Challenge.
// ExpiresAt is not part of the message and is left zero.
func Parse(message string) (Challenge, error) {
	lines := strings.Split(message, "\n")
	if len(lines) != 5 || lines[0] != header {
		return Challenge{}, fmt.Errorf("%w: unexpected message layout", ErrInvalidChallenge)
	}

	field := func(line, prefix string) (string, error) {
		v, ok := strings.CutPrefix(line, prefix)
		if !ok || v == "" || strings.TrimSpace(v) != v {
			return "", fmt.Errorf("%w: expected %q line", ErrInvalidChallenge, strings.TrimSuffix(prefix, ": "))
		}
		return v, nil
	}

	addr, err := field(lines[1], prefixAddr)
	if err != nil {
		return Challenge{}, err
	}
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return Challenge{}, fmt.Errorf("%w: bad address", ErrInvalidChallenge)
	}
	window, err := field(lines[2], prefixWindow)
	if err != nil {
		return Challenge{}, err
	}
	nonce, err := field(lines[3], prefixNonce)
	if err != nil {
		return Challenge{}, err
	}
	if _, err := uuid.Parse(nonce); err != nil {
		return Challenge{}, fmt.Errorf("%w: bad nonce", ErrInvalidChallenge)
	}
	issued, err := field(lines[4], prefixIssued)
	if err != nil {
		return Challenge{}, err
	}
	issuedAt, err := time.Parse(time.RFC3339, issued)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: bad issue time", ErrInvalidChallenge)
	}

	return Challenge{
		Address:  common.HexToAddress(addr),
		WindowID: window,
		Nonce:    nonce,
		IssuedAt: issuedAt.UTC(),
	}, nil
}

// Store persists outstanding challenges keyed by nonce.
type Store interface {
	// Put records an outstanding challenge until its ExpiresAt.
	Put(ctx context.Context, c Challenge) error
	// Take atomically removes and returns the challenge for nonce.
	// Returns ErrNotFound if it is unknown, expired or already taken.
	Take(ctx context.Context, nonce string) (Challenge, error)
}

// Issuer hands out and redeems challenges.
type Issuer struct {
	store Store
	ttl   time.Duration
	clock func() time.Time
}

// NewIssuer creates an issuer whose challenges stay valid for ttl.
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	return NewIssuerWithClock(store, ttl, time.Now)
}

func NewIssuerWithClock(store Store, ttl time.Duration, clock func() time.Time) *Issuer {
	return &Issuer{store: store, ttl: ttl, clock: clock}
}

// Issue creates and stores a fresh challenge for address in windowID.
func (i *Issuer) Issue(ctx context.Context, address common.Address, windowID string) (Challenge, error) {
	if windowID == "" {
		return Challenge{}, errors.New("challenge: window id is required")
	}
	// RFC3339 drops sub-second precision; truncate so Parse round-trips.
	now := i.clock().UTC().Truncate(time.Second)
	c := Challenge{
		Address:   address,
		WindowID:  windowID,
		Nonce:     uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.Put(ctx, c); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return c, nil
}

// Consume redeems a parsed challenge exactly once. The stored binding must
// match the presented one field for field.
func (i *Issuer) Consume(ctx context.Context, presented Challenge) error {
	stored, err := i.store.Take(ctx, presented.Nonce)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown or used nonce", ErrInvalidChallenge)
		}
		return fmt.Errorf("take challenge: %w", err)
	}
	if !i.clock().Before(stored.ExpiresAt) {
		return fmt.Errorf("%w: expired", ErrInvalidChallenge)
	}
	if stored.Address != presented.Address ||
		stored.WindowID != presented.WindowID ||
		!stored.IssuedAt.Equal(presented.IssuedAt) {
		return fmt.Errorf("%w: binding mismatch", ErrInvalidChallenge)
	}
	return nil
}
