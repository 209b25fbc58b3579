// Package crypto verifies wallet ownership proofs for reward claims.
//
// Claimants sign a server-issued text message with their wallet
// (EIP-191 "personal_sign"). The verifier recovers the signing address from
// the signature and compares it to the address the claimant asserted.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSignature is returned for any signature that does not prove
	// control of the claimed address.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidAddress is returned when an address is not 20 hex-encoded bytes.
	ErrInvalidAddress = errors.New("invalid address")
)

// Verifier checks that a message was signed by the holder of an address.
type Verifier interface {
	Verify(claimed common.Address, message string, signature []byte) bool
}

// PersonalVerifier implements Verifier for EIP-191 personal messages.
type PersonalVerifier struct{}

// NewPersonalVerifier creates a new verifier.
func NewPersonalVerifier() *PersonalVerifier {
	return &PersonalVerifier{}
}

func (v *PersonalVerifier) Verify(claimed common.Address, message string, signature []byte) bool {
	return VerifyPersonal(claimed, message, signature) == nil
}

// VerifyPersonal recovers the signer of message and checks it against claimed.
// Any failure wraps ErrInvalidSignature.
func VerifyPersonal(claimed common.Address, message string, signature []byte) error {
	if message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidSignature)
	}
	signer, err := RecoverPersonal(message, signature)
	if err != nil {
		return err
	}
	// common.Address is the raw 20 bytes, so textual case never matters here.
	if signer != claimed {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrInvalidSignature, signer.Hex(), claimed.Hex())
	}
	return nil
}

// RecoverPersonal returns the address that produced signature over the
// personal-message digest of message.
func RecoverPersonal(message string, signature []byte) (common.Address, error) {
	if len(signature) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}

	sig := make([]byte, ethcrypto.SignatureLength)
	copy(sig, signature)

	// Wallets emit v as 27/28; recovery wants 0/1.
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	v := sig[ethcrypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: out of range values", ErrInvalidSignature)
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// SignPersonal signs message the way a wallet's personal_sign does,
// returning r || s || v with v in {27, 28}.
func SignPersonal(key *ecdsa.PrivateKey, message string) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, fmt.Errorf("sign personal message: %w", err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// DecodeSignature parses a hex signature with or without the 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	return sig, nil
}

// ParseAddress accepts a 0x-prefixed 40 hex digit address in any case.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
