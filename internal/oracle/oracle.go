// Package oracle holds the engine's contract with the off-process decryption
// oracle: a gateway for submitting decryption work and a verifier for the
// signed cleartext responses it sends back. The oracle is untrusted until its
// proof checks out; nothing here assumes the callback arrives in order, on
// time, or at all.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"confidential-settlement/internal/fhe"
)

// ProofLen is the length of a compact secp256k1 signature with recovery id.
const ProofLen = 65

// cleartextWord is the width of one ABI-style cleartext word.
const cleartextWord = 32

var (
	// ErrProofLength indicates a proof of the wrong size.
	ErrProofLength = errors.New("oracle: proof must be 65 bytes")
	// ErrProofSigner indicates the proof was signed by an unexpected key.
	ErrProofSigner = errors.New("oracle: proof signed by unknown oracle")
	// ErrMalformedCleartexts indicates an undecodable cleartext payload.
	ErrMalformedCleartexts = errors.New("oracle: malformed cleartexts")
)

// Gateway submits decryption work to the oracle and returns the
// oracle-assigned request identifier.
type Gateway interface {
	RequestDecryption(ctx context.Context, handles []fhe.Handle) (uint64, error)
}

// Callback is the oracle's asynchronous response to a decryption request.
type Callback struct {
	RequestID  uint64
	Cleartexts []byte
	Proof      []byte
}

// Verifier authenticates a callback payload.
type Verifier interface {
	Verify(requestID uint64, cleartexts, proof []byte) error
}

// Digest is the message the oracle signs: keccak256 over the engine
// identity, the request id, and the cleartext payload. Binding the engine
// identity and request id prevents a valid proof from being replayed against
// a different engine or a different request.
func Digest(engine common.Address, requestID uint64, cleartexts []byte) []byte {
	material := make([]byte, 0, common.AddressLength+8+len(cleartexts))
	material = append(material, engine.Bytes()...)
	material = binary.BigEndian.AppendUint64(material, requestID)
	material = append(material, cleartexts...)
	return crypto.Keccak256(material)
}

// Sign produces a proof over a cleartext payload. Used by oracle tooling and
// tests; the engine itself only ever verifies.
func Sign(key *ecdsa.PrivateKey, engine common.Address, requestID uint64, cleartexts []byte) ([]byte, error) {
	return crypto.Sign(Digest(engine, requestID, cleartexts), key)
}

// ECDSAVerifier checks callback proofs against a configured oracle address.
type ECDSAVerifier struct {
	engine common.Address
	oracle common.Address
}

// NewECDSAVerifier constructs a verifier bound to the engine identity and
// the oracle's signing address.
func NewECDSAVerifier(engine, oracle common.Address) *ECDSAVerifier {
	return &ECDSAVerifier{engine: engine, oracle: oracle}
}

// Verify recovers the proof signer and compares it to the configured oracle.
func (v *ECDSAVerifier) Verify(requestID uint64, cleartexts, proof []byte) error {
	if len(proof) != ProofLen {
		return ErrProofLength
	}

	pub, err := crypto.SigToPub(Digest(v.engine, requestID, cleartexts), proof)
	if err != nil {
		return fmt.Errorf("recover proof signer: %w", err)
	}

	if crypto.PubkeyToAddress(*pub) != v.oracle {
		return ErrProofSigner
	}
	return nil
}

var _ Verifier = (*ECDSAVerifier)(nil)

// SettlementResult is the decoded pair carried by a settlement callback.
type SettlementResult struct {
	Amount  *big.Int
	Settled bool
}

// EncodeSettlementResult packs (amount, settled) as two 32-byte words. The
// amount must be non-negative and fit one word.
func EncodeSettlementResult(amount *big.Int, settled bool) ([]byte, error) {
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrMalformedCleartexts)
	}
	if amount.BitLen() > 8*cleartextWord {
		return nil, fmt.Errorf("%w: amount exceeds %d bytes", ErrMalformedCleartexts, cleartextWord)
	}

	out := make([]byte, 2*cleartextWord)
	amount.FillBytes(out[:cleartextWord])
	if settled {
		out[2*cleartextWord-1] = 1
	}
	return out, nil
}

// DecodeSettlementResult unpacks the two-word cleartext payload. The boolean
// word must be exactly 0 or 1.
func DecodeSettlementResult(cleartexts []byte) (SettlementResult, error) {
	if len(cleartexts) != 2*cleartextWord {
		return SettlementResult{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedCleartexts, 2*cleartextWord, len(cleartexts))
	}

	amount := new(big.Int).SetBytes(cleartexts[:cleartextWord])

	boolWord := new(big.Int).SetBytes(cleartexts[cleartextWord:])
	if boolWord.BitLen() > 1 {
		return SettlementResult{}, fmt.Errorf("%w: boolean word out of range", ErrMalformedCleartexts)
	}

	return SettlementResult{Amount: amount, Settled: boolWord.Sign() == 1}, nil
}
