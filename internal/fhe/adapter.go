// Package fhe wraps the external homomorphic-encryption capability behind
// opaque ciphertext handles. Coprocessor operations are deterministic over
// their inputs: combining the same handles always yields the same derived
// handle, which is what allows the settlement protocol to recompute and
// compare commitments at callback time.
package fhe

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Coprocessor is the external encrypted-value capability. Implementations
// never reveal plaintexts; every operation maps ciphertext handles to a
// ciphertext handle.
type Coprocessor interface {
	// Multiply returns a handle for the homomorphic product a*b.
	Multiply(ctx context.Context, a, b Handle) (Handle, error)
	// GreaterOrEqual returns a handle for the encrypted boolean a >= b.
	GreaterOrEqual(ctx context.Context, a, b Handle) (Handle, error)
	// EncryptUint64 produces a trivially encrypted handle for a public value.
	EncryptUint64(ctx context.Context, v uint64) (Handle, error)
}

// SettlementFacts are the two derived ciphertexts submitted for decryption:
// the total deal value and the encrypted settlement-condition verdict.
type SettlementFacts struct {
	TotalValue   Handle
	ConditionMet Handle
}

// Handles returns the facts as the ordered list the protocol commits to.
func (f SettlementFacts) Handles() []Handle {
	return []Handle{f.TotalValue, f.ConditionMet}
}

// Adapter binds a coprocessor to the engine's own identity and exposes the
// two derived computations the settlement protocol needs.
type Adapter struct {
	cop      Coprocessor
	identity common.Address
}

// NewAdapter constructs the compute adapter.
func NewAdapter(cop Coprocessor, identity common.Address) *Adapter {
	return &Adapter{cop: cop, identity: identity}
}

// Identity returns the engine identity mixed into every commitment.
func (a *Adapter) Identity() common.Address {
	return a.identity
}

// DeriveSettlementFacts computes totalValue = amount*price and
// conditionMet = condition >= encrypt(asOf), entirely on ciphertexts.
// The asOf instant must be the one recorded when the decryption request was
// created so that a later re-derivation reproduces identical handles.
func (a *Adapter) DeriveSettlementFacts(ctx context.Context, amount, price, condition Handle, asOf time.Time) (SettlementFacts, error) {
	total, err := a.cop.Multiply(ctx, amount, price)
	if err != nil {
		return SettlementFacts{}, fmt.Errorf("derive total value: %w", err)
	}

	nowCt, err := a.cop.EncryptUint64(ctx, uint64(asOf.Unix()))
	if err != nil {
		return SettlementFacts{}, fmt.Errorf("encrypt reference time: %w", err)
	}

	met, err := a.cop.GreaterOrEqual(ctx, condition, nowCt)
	if err != nil {
		return SettlementFacts{}, fmt.Errorf("derive condition verdict: %w", err)
	}

	return SettlementFacts{TotalValue: total, ConditionMet: met}, nil
}

// Commitment produces the order-sensitive state hash over the engine identity
// and the full ordered handle list. It anchors the decryption protocol: a
// callback is only accepted if this digest, recomputed from stored state,
// matches the one recorded at request time.
func (a *Adapter) Commitment(handles []Handle) common.Hash {
	return StateHash(a.identity, handles)
}

// StateHash is the commitment function: keccak256(identity || h_0 || ... || h_n).
func StateHash(identity common.Address, handles []Handle) common.Hash {
	material := make([]byte, 0, common.AddressLength+len(handles)*HandleSize)
	material = append(material, identity.Bytes()...)
	for _, h := range handles {
		material = append(material, h.Bytes()...)
	}
	return crypto.Keccak256Hash(material)
}
