package engine

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/alerting"
	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/storage"
)

// stubCoprocessor derives handles by hashing opcode and operands, so the
// same inputs always reproduce the same handle. Bumping salt simulates a
// coprocessor whose results drifted between request and callback.
type stubCoprocessor struct {
	salt byte
}

func (s *stubCoprocessor) derive(op byte, parts ...[]byte) fhe.Handle {
	material := []byte{op, s.salt}
	for _, p := range parts {
		material = append(material, p...)
	}
	var h fhe.Handle
	copy(h[:], crypto.Keccak256(material))
	return h
}

func (s *stubCoprocessor) Multiply(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return s.derive(0x01, a.Bytes(), b.Bytes()), nil
}

func (s *stubCoprocessor) GreaterOrEqual(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return s.derive(0x02, a.Bytes(), b.Bytes()), nil
}

func (s *stubCoprocessor) EncryptUint64(_ context.Context, v uint64) (fhe.Handle, error) {
	return s.derive(0x03, binary.BigEndian.AppendUint64(nil, v)), nil
}

type stubGateway struct {
	next    uint64
	handles []fhe.Handle
}

func (g *stubGateway) RequestDecryption(_ context.Context, handles []fhe.Handle) (uint64, error) {
	g.next++
	g.handles = append([]fhe.Handle(nil), handles...)
	return g.next, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return nil
}

type testRig struct {
	engine   *Engine
	store    *storage.MemStore
	cop      *stubCoprocessor
	gateway  *stubGateway
	notifier *recordingNotifier
	oracle   *ecdsa.PrivateKey
	owner    common.Address
	provider common.Address
	clock    *time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	oracleKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate oracle key: %v", err)
	}

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	provider := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	identity := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	store := storage.NewMemStore(0)
	cop := &stubCoprocessor{}
	gateway := &stubGateway{}
	notifier := &recordingNotifier{}

	eng := New(
		Params{Owner: owner, Identity: identity, RequestTTL: time.Hour},
		store,
		fhe.NewAdapter(cop, identity),
		gateway,
		oracle.NewECDSAVerifier(identity, crypto.PubkeyToAddress(oracleKey.PublicKey)),
		notifier,
		zerolog.Nop(),
	)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return now }

	ctx := context.Background()
	if err := eng.AddProvider(ctx, owner, provider); err != nil {
		t.Fatalf("add provider: %v", err)
	}
	if _, err := eng.OpenBatch(ctx, owner); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	return &testRig{
		engine:   eng,
		store:    store,
		cop:      cop,
		gateway:  gateway,
		notifier: notifier,
		oracle:   oracleKey,
		owner:    owner,
		provider: provider,
		clock:    &now,
	}
}

func (r *testRig) advance(d time.Duration) {
	*r.clock = r.clock.Add(d)
}

func (r *testRig) handle(seed byte) fhe.Handle {
	var h fhe.Handle
	h[0] = seed
	h[31] = seed
	return h
}

func (r *testRig) submitDeal(t *testing.T, dealID uint64, seed byte) storage.Deal {
	t.Helper()
	deal, err := r.engine.SubmitDeal(context.Background(), r.provider, dealID,
		r.handle(seed), r.handle(seed+1), r.handle(seed+2), r.handle(seed+3), r.handle(seed+4))
	if err != nil {
		t.Fatalf("submit deal %d: %v", dealID, err)
	}
	return deal
}

func (r *testRig) callback(requestID uint64, amount int64, settled bool) oracle.Callback {
	cleartexts, _ := oracle.EncodeSettlementResult(big.NewInt(amount), settled)
	proof, _ := oracle.Sign(r.oracle, r.engine.Identity(), requestID, cleartexts)
	return oracle.Callback{RequestID: requestID, Cleartexts: cleartexts, Proof: proof}
}

func TestOwnerOnlyAdministration(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	if err := rig.engine.AddProvider(ctx, stranger, stranger); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := rig.engine.Pause(ctx, stranger); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := rig.engine.CloseBatch(ctx, stranger); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestPauseBlocksSubmissionsAndBatches(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.engine.Pause(ctx, rig.owner); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, err := rig.engine.SubmitDeal(ctx, rig.provider, 1,
		rig.handle(1), rig.handle(2), rig.handle(3), rig.handle(4), rig.handle(5))
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if _, err := rig.engine.CloseBatch(ctx, rig.owner); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	// The owner can always unpause and recover.
	if err := rig.engine.Unpause(ctx, rig.owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	rig.submitDeal(t, 1, 10)
}

func TestBatchLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if _, err := rig.engine.OpenBatch(ctx, rig.owner); !errors.Is(err, ErrBatchAlreadyOpen) {
		t.Fatalf("expected ErrBatchAlreadyOpen, got %v", err)
	}

	next, err := rig.engine.CloseBatch(ctx, rig.owner)
	if err != nil {
		t.Fatalf("close batch: %v", err)
	}
	if next.ID != 2 || next.Open {
		t.Fatalf("expected closed batch 2 as current, got %+v", next)
	}

	if _, err := rig.engine.CloseBatch(ctx, rig.owner); !errors.Is(err, ErrBatchNotOpen) {
		t.Fatalf("expected ErrBatchNotOpen, got %v", err)
	}

	_, err = rig.engine.SubmitDeal(ctx, rig.provider, 1,
		rig.handle(1), rig.handle(2), rig.handle(3), rig.handle(4), rig.handle(5))
	if !errors.Is(err, ErrBatchNotOpen) {
		t.Fatalf("expected ErrBatchNotOpen, got %v", err)
	}

	opened, err := rig.engine.OpenBatch(ctx, rig.owner)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if opened.ID != 2 || !opened.Open {
		t.Fatalf("expected open batch 2, got %+v", opened)
	}
}

func TestSubmitDealValidation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	if _, err := rig.engine.SubmitDeal(ctx, stranger, 1,
		rig.handle(1), rig.handle(2), rig.handle(3), rig.handle(4), rig.handle(5)); !errors.Is(err, ErrNotProvider) {
		t.Fatalf("expected ErrNotProvider, got %v", err)
	}

	if _, err := rig.engine.SubmitDeal(ctx, rig.provider, 0,
		rig.handle(1), rig.handle(2), rig.handle(3), rig.handle(4), rig.handle(5)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero deal id: expected ErrInvalidArgument, got %v", err)
	}

	if _, err := rig.engine.SubmitDeal(ctx, rig.provider, 1,
		fhe.ZeroHandle, rig.handle(2), rig.handle(3), rig.handle(4), rig.handle(5)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero handle: expected ErrInvalidArgument, got %v", err)
	}

	if _, err := rig.engine.SubmitDeal(ctx, rig.provider, 1,
		rig.handle(1), rig.handle(1), rig.handle(3), rig.handle(4), rig.handle(5)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate handles: expected ErrInvalidArgument, got %v", err)
	}

	rig.submitDeal(t, 1, 10)

	if _, err := rig.engine.SubmitDeal(ctx, rig.provider, 1,
		rig.handle(20), rig.handle(21), rig.handle(22), rig.handle(23), rig.handle(24)); !errors.Is(err, ErrDealExists) {
		t.Fatalf("duplicate deal: expected ErrDealExists, got %v", err)
	}

	// Reusing any handle from an existing deal is rejected even under a
	// fresh deal id.
	if _, err := rig.engine.SubmitDeal(ctx, rig.provider, 2,
		rig.handle(10), rig.handle(31), rig.handle(32), rig.handle(33), rig.handle(34)); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("reused handle: expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestSubmissionCooldown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.engine.SetCooldownSeconds(ctx, rig.owner, 60); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	rig.submitDeal(t, 1, 10)

	_, err := rig.engine.SubmitDeal(ctx, rig.provider, 2,
		rig.handle(20), rig.handle(21), rig.handle(22), rig.handle(23), rig.handle(24))
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	rig.advance(61 * time.Second)
	rig.submitDeal(t, 2, 20)
}

func TestSettlementRequestCooldown(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	rig.submitDeal(t, 2, 20)

	if err := rig.engine.SetCooldownSeconds(ctx, rig.owner, 60); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	if _, err := rig.engine.RequestSettlement(ctx, rig.provider, 1); err != nil {
		t.Fatalf("first settlement request: %v", err)
	}
	if _, err := rig.engine.RequestSettlement(ctx, rig.provider, 2); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	rig.advance(61 * time.Second)
	if _, err := rig.engine.RequestSettlement(ctx, rig.provider, 2); err != nil {
		t.Fatalf("second settlement request after cooldown: %v", err)
	}
}

func TestSettlementEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 42, 10)

	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 42)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}
	if req.Status != storage.RequestPending {
		t.Fatalf("expected pending request, got %s", req.Status)
	}
	if len(rig.gateway.handles) != 2 {
		t.Fatalf("expected 2 handles sent to oracle, got %d", len(rig.gateway.handles))
	}

	deal, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 5000, true))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if deal.Status != storage.DealSettled {
		t.Fatalf("expected settled deal, got %s", deal.Status)
	}
	if deal.SettledAmount == nil || !deal.SettledAmount.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected settled amount 5000, got %v", deal.SettledAmount)
	}

	stored, err := rig.engine.GetDeal(ctx, deal.BatchID, 42)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if stored.Status != storage.DealSettled {
		t.Fatalf("stored deal should be settled, got %s", stored.Status)
	}

	events, err := rig.engine.ListRecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var sawSubmitted, sawCompleted, sawSettled bool
	for _, ev := range events {
		switch ev.Kind {
		case storage.EventDealSubmitted:
			sawSubmitted = true
			if ev.Actor == nil || *ev.Actor != rig.provider {
				t.Fatalf("submission event actor should be the provider, got %v", ev.Actor)
			}
			if ev.BatchID == nil || *ev.BatchID != deal.BatchID {
				t.Fatalf("submission event batch should be %d, got %v", deal.BatchID, ev.BatchID)
			}
			if ev.DealID == nil || *ev.DealID != 42 {
				t.Fatalf("submission event deal should be 42, got %v", ev.DealID)
			}
		case storage.EventDecryptionCompleted:
			sawCompleted = true
			if ev.Amount == nil || !ev.Amount.Equal(decimal.NewFromInt(5000)) {
				t.Fatalf("completion event should carry amount 5000, got %v", ev.Amount)
			}
			if ev.Settled == nil || !*ev.Settled {
				t.Fatalf("completion event should carry settled=true, got %v", ev.Settled)
			}
		case storage.EventDealSettled:
			sawSettled = true
		}
	}
	if !sawSubmitted || !sawCompleted || !sawSettled {
		t.Fatalf("expected submission, completion and settlement events, got %+v", events)
	}
}

func TestSettlementConditionNotMet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 7, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 7)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	deal, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 0, false))
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if deal.Status != storage.DealConditionNotMet {
		t.Fatalf("expected condition_not_met, got %s", deal.Status)
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	cb := rig.callback(req.RequestID, 5000, true)
	if _, err := rig.engine.HandleDecryptionCallback(ctx, cb); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if _, err := rig.engine.HandleDecryptionCallback(ctx, cb); !errors.Is(err, ErrReplayAttempt) {
		t.Fatalf("expected ErrReplayAttempt, got %v", err)
	}

	if len(rig.notifier.notes) != 1 || rig.notifier.notes[0].Condition != "ReplayAttempt" {
		t.Fatalf("expected one ReplayAttempt alert, got %+v", rig.notifier.notes)
	}
}

func TestCallbackStateMismatchRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	// Derivations after this point no longer reproduce the committed hash.
	rig.cop.salt = 0xff

	if _, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 5000, true)); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}

	if len(rig.notifier.notes) != 1 || rig.notifier.notes[0].Condition != "StateMismatch" {
		t.Fatalf("expected one StateMismatch alert, got %+v", rig.notifier.notes)
	}

	// The request stays pending, so a later consistent callback still lands.
	rig.cop.salt = 0
	if _, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 5000, true)); err != nil {
		t.Fatalf("consistent callback after mismatch: %v", err)
	}
}

func TestCallbackInvalidProofRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	rogue, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate rogue key: %v", err)
	}
	cleartexts, err := oracle.EncodeSettlementResult(big.NewInt(5000), true)
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	proof, err := oracle.Sign(rogue, rig.engine.Identity(), req.RequestID, cleartexts)
	if err != nil {
		t.Fatalf("sign with rogue key: %v", err)
	}

	cb := oracle.Callback{RequestID: req.RequestID, Cleartexts: cleartexts, Proof: proof}
	if _, err := rig.engine.HandleDecryptionCallback(ctx, cb); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if len(rig.notifier.notes) != 1 || rig.notifier.notes[0].Condition != "InvalidProof" {
		t.Fatalf("expected one InvalidProof alert, got %+v", rig.notifier.notes)
	}
}

func TestCallbackUnknownRequest(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.engine.HandleDecryptionCallback(context.Background(), rig.callback(99, 5000, true)); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestCallbackMalformedCleartexts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	cleartexts := []byte{0x01, 0x02}
	proof, err := oracle.Sign(rig.oracle, rig.engine.Identity(), req.RequestID, cleartexts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cb := oracle.Callback{RequestID: req.RequestID, Cleartexts: cleartexts, Proof: proof}
	if _, err := rig.engine.HandleDecryptionCallback(ctx, cb); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRequestSettlementUnknownDeal(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.engine.RequestSettlement(context.Background(), rig.provider, 404); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRequestSettlementOnSettledDeal(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}
	if _, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 5000, true)); err != nil {
		t.Fatalf("handle callback: %v", err)
	}

	if _, err := rig.engine.RequestSettlement(ctx, rig.provider, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for settled deal, got %v", err)
	}
}

func TestExpireStaleRequests(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.submitDeal(t, 1, 10)
	req, err := rig.engine.RequestSettlement(ctx, rig.provider, 1)
	if err != nil {
		t.Fatalf("request settlement: %v", err)
	}

	// Not stale yet.
	expired, err := rig.engine.ExpireStaleRequests(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected no expiries, got %d", expired)
	}

	rig.advance(2 * time.Hour)
	expired, err = rig.engine.ExpireStaleRequests(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}

	stale, err := rig.engine.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stale.Status != storage.RequestExpired {
		t.Fatalf("expected expired request, got %s", stale.Status)
	}
	if stale.ProcessedAt == nil || !stale.ProcessedAt.Equal(*rig.clock) {
		t.Fatalf("expiry stamp should come from the engine clock %v, got %v", *rig.clock, stale.ProcessedAt)
	}

	if _, err := rig.engine.HandleDecryptionCallback(ctx, rig.callback(req.RequestID, 5000, true)); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}
}

func TestConditionNames(t *testing.T) {
	cases := map[error]string{
		ErrNotOwner:         "NotOwner",
		ErrReplayAttempt:    "ReplayAttempt",
		ErrStateMismatch:    "StateMismatch",
		ErrInvalidProof:     "InvalidProof",
		errors.New("other"): "Internal",
	}
	for err, want := range cases {
		if got := Condition(err); got != want {
			t.Fatalf("Condition(%v) = %s, want %s", err, got, want)
		}
	}

	if !IsSecurityRejection(ErrReplayAttempt) || IsSecurityRejection(ErrNotOwner) {
		t.Fatal("security rejection classification is wrong")
	}
}
