// Package signer is the co-signer's signing capability: it produces the
// agent's partial signature over an operation and combines it with the
// proposer's partial into a complete authorization.
//
// Operations and partial signatures are opaque to the rest of the service.
// Only this package knows how they are ordered and concatenated.
package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey       = errors.New("signer: invalid private key")
	ErrInvalidContext   = errors.New("signer: invalid signer context")
	ErrNotASigner       = errors.New("signer: address is not in the signer set")
	ErrBelowThreshold   = errors.New("signer: not enough signatures for threshold")
	ErrDuplicateSigner  = errors.New("signer: duplicate signature")
	ErrEmptyOperation   = errors.New("signer: empty operation")
	ErrInvalidSignature = errors.New("signer: invalid signature")
)

// Context is the multi-party signing context of one shared account.
type Context struct {
	Signers   []common.Address
	Threshold int
}

// NewContext validates a signer set. Addresses must be unique and the
// threshold must be between 1 and the number of signers.
func NewContext(addresses []string, threshold int) (Context, error) {
	if len(addresses) == 0 {
		return Context{}, fmt.Errorf("%w: no signers", ErrInvalidContext)
	}
	seen := make(map[common.Address]struct{}, len(addresses))
	signers := make([]common.Address, 0, len(addresses))
	for _, a := range addresses {
		if !strings.HasPrefix(a, "0x") || !common.IsHexAddress(a) {
			return Context{}, fmt.Errorf("%w: bad address %q", ErrInvalidContext, a)
		}
		addr := common.HexToAddress(a)
		if _, dup := seen[addr]; dup {
			return Context{}, fmt.Errorf("%w: %s listed twice", ErrInvalidContext, addr.Hex())
		}
		seen[addr] = struct{}{}
		signers = append(signers, addr)
	}
	if threshold < 1 || threshold > len(signers) {
		return Context{}, fmt.Errorf("%w: threshold %d for %d signers", ErrInvalidContext, threshold, len(signers))
	}
	return Context{Signers: signers, Threshold: threshold}, nil
}

// Has reports whether addr belongs to the signer set.
func (c Context) Has(addr common.Address) bool {
	return slices.Contains(c.Signers, addr)
}

// Partial is one signer's signature over an operation.
type Partial struct {
	Signer    common.Address
	Signature []byte
}

// Authorized is an operation carrying enough signatures to be relayed.
type Authorized struct {
	Operation []byte
	Signature []byte
}

// Signer is the external signing capability.
type Signer interface {
	Address() common.Address
	SignPartial(ctx context.Context, op []byte, sc Context) (Partial, error)
	Combine(op []byte, sc Context, partials []Partial) (Authorized, error)
}

// ECDSASigner signs with a local secp256k1 key. Signatures are over the
// keccak256 digest of the operation with v in {27, 28}; combined
// signatures are the partials concatenated in ascending signer order.
type ECDSASigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*ECDSASigner)(nil)

// NewECDSA parses a hex private key, with or without the 0x prefix.
func NewECDSA(hexKey string) (*ECDSASigner, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &ECDSASigner{key: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the signer's account address.
func (s *ECDSASigner) Address() common.Address {
	return s.address
}

// Digest is the hash that partial signatures commit to.
func Digest(op []byte) common.Hash {
	return crypto.Keccak256Hash(op)
}

// SignPartial signs op. The agent must be a member of sc.
func (s *ECDSASigner) SignPartial(ctx context.Context, op []byte, sc Context) (Partial, error) {
	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}
	if len(op) == 0 {
		return Partial{}, ErrEmptyOperation
	}
	if !sc.Has(s.address) {
		return Partial{}, fmt.Errorf("%w: %s", ErrNotASigner, s.address.Hex())
	}
	sig, err := crypto.Sign(Digest(op).Bytes(), s.key)
	if err != nil {
		return Partial{}, fmt.Errorf("failed to sign operation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Partial{Signer: s.address, Signature: sig}, nil
}

// Combine checks that the partials come from distinct members of sc and
// meet its threshold, then concatenates them ordered by signer address.
// Partials from other parties are passed through without inspection.
func (s *ECDSASigner) Combine(op []byte, sc Context, partials []Partial) (Authorized, error) {
	if len(op) == 0 {
		return Authorized{}, ErrEmptyOperation
	}
	seen := make(map[common.Address]struct{}, len(partials))
	for _, p := range partials {
		if !sc.Has(p.Signer) {
			return Authorized{}, fmt.Errorf("%w: %s", ErrNotASigner, p.Signer.Hex())
		}
		if _, dup := seen[p.Signer]; dup {
			return Authorized{}, fmt.Errorf("%w: %s", ErrDuplicateSigner, p.Signer.Hex())
		}
		if len(p.Signature) == 0 {
			return Authorized{}, fmt.Errorf("%w: empty signature from %s", ErrInvalidSignature, p.Signer.Hex())
		}
		seen[p.Signer] = struct{}{}
	}
	if len(seen) < sc.Threshold {
		return Authorized{}, fmt.Errorf("%w: have %d, need %d", ErrBelowThreshold, len(seen), sc.Threshold)
	}

	sorted := slices.Clone(partials)
	slices.SortFunc(sorted, func(a, b Partial) int {
		return bytes.Compare(a.Signer.Bytes(), b.Signer.Bytes())
	})
	var combined []byte
	for _, p := range sorted {
		combined = append(combined, p.Signature...)
	}
	return Authorized{Operation: bytes.Clone(op), Signature: combined}, nil
}

// Recover returns the address that produced an ECDSA partial over op.
func Recover(op []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := bytes.Clone(sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(Digest(op).Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
