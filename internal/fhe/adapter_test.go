package fhe

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// deterministicCoprocessor derives handles by hashing the operation and its
// inputs, mirroring the determinism the real capability guarantees.
type deterministicCoprocessor struct{}

func (deterministicCoprocessor) derive(op string, parts ...[]byte) Handle {
	material := []byte(op)
	for _, p := range parts {
		material = append(material, p...)
	}
	var h Handle
	copy(h[:], crypto.Keccak256(material))
	return h
}

func (d deterministicCoprocessor) Multiply(_ context.Context, a, b Handle) (Handle, error) {
	return d.derive("mul", a.Bytes(), b.Bytes()), nil
}

func (d deterministicCoprocessor) GreaterOrEqual(_ context.Context, a, b Handle) (Handle, error) {
	return d.derive("ge", a.Bytes(), b.Bytes()), nil
}

func (d deterministicCoprocessor) EncryptUint64(_ context.Context, v uint64) (Handle, error) {
	return d.derive("encrypt", []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), nil
}

func testHandle(seed byte) Handle {
	var h Handle
	for i := range h {
		h[i] = seed
	}
	return h
}

func TestStateHashOrderSensitive(t *testing.T) {
	identity := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	a := testHandle(1)
	b := testHandle(2)

	forward := StateHash(identity, []Handle{a, b})
	reversed := StateHash(identity, []Handle{b, a})

	if forward == reversed {
		t.Fatal("commitment must depend on handle order")
	}
}

func TestStateHashBindsIdentity(t *testing.T) {
	a := testHandle(1)
	b := testHandle(2)

	one := StateHash(common.HexToAddress("0x1"), []Handle{a, b})
	two := StateHash(common.HexToAddress("0x2"), []Handle{a, b})

	if one == two {
		t.Fatal("commitment must depend on the engine identity")
	}
}

func TestStateHashDeterministic(t *testing.T) {
	identity := common.HexToAddress("0xbeef")
	handles := []Handle{testHandle(3), testHandle(4)}

	if StateHash(identity, handles) != StateHash(identity, handles) {
		t.Fatal("commitment must be deterministic")
	}
}

func TestDeriveSettlementFactsReproducible(t *testing.T) {
	adapter := NewAdapter(deterministicCoprocessor{}, common.HexToAddress("0xaa"))
	asOf := time.Unix(1_700_000_000, 0).UTC()

	first, err := adapter.DeriveSettlementFacts(context.Background(), testHandle(5), testHandle(6), testHandle(7), asOf)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	second, err := adapter.DeriveSettlementFacts(context.Background(), testHandle(5), testHandle(6), testHandle(7), asOf)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	if first != second {
		t.Fatalf("same inputs and reference time must derive identical facts: %v vs %v", first, second)
	}
	if adapter.Commitment(first.Handles()) != adapter.Commitment(second.Handles()) {
		t.Fatal("commitments over identical facts must match")
	}
}

func TestDeriveSettlementFactsChangesWithInputs(t *testing.T) {
	adapter := NewAdapter(deterministicCoprocessor{}, common.HexToAddress("0xaa"))
	asOf := time.Unix(1_700_000_000, 0).UTC()

	base, err := adapter.DeriveSettlementFacts(context.Background(), testHandle(5), testHandle(6), testHandle(7), asOf)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	other, err := adapter.DeriveSettlementFacts(context.Background(), testHandle(9), testHandle(6), testHandle(7), asOf)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	if adapter.Commitment(base.Handles()) == adapter.Commitment(other.Handles()) {
		t.Fatal("different deal handles must yield a different commitment")
	}
}

func TestHandleHexRoundTrip(t *testing.T) {
	h := testHandle(0x42)
	parsed, err := HandleFromHex(h.Hex())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s vs %s", parsed, h)
	}

	if _, err := HandleFromHex("0x1234"); err == nil {
		t.Fatal("short hex must be rejected")
	}
}
