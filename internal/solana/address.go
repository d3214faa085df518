package solana

import (
	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// ParsePubkey validates that s is a base58 encoded 32-byte address.
func ParsePubkey(s string) (Pubkey, error) {
	if s == "" {
		return "", errs.Validation("empty address")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return "", errs.Validation("address %q is not base58: %v", s, err)
	}
	if len(raw) != 32 {
		return "", errs.Validation("address %q decodes to %d bytes, want 32", s, len(raw))
	}
	return Pubkey(s), nil
}

// IsOnCurve reports whether the address is a point on the ed25519 curve.
// Wallets are on-curve; program derived addresses are not.
func IsOnCurve(pk Pubkey) bool {
	raw, err := base58.Decode(string(pk))
	if err != nil || len(raw) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

// Short returns the first 8 characters of an address, for logs.
func (p Pubkey) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}
