package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/storage"
)

// RequestSettlement derives the deal's settlement facts on ciphertexts,
// records a commitment over the exact handle list, and dispatches the list
// to the decryption oracle. The returned request stays pending until a
// valid callback or expiry.
func (e *Engine) RequestSettlement(ctx context.Context, actor common.Address, dealID uint64) (storage.DecryptionRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return storage.DecryptionRequest{}, err
	}
	if err := e.ensureNotPaused(settings); err != nil {
		return storage.DecryptionRequest{}, err
	}
	if err := e.ensureCooldown(ctx, settings, actor, storage.CooldownSettlement); err != nil {
		return storage.DecryptionRequest{}, err
	}
	batch, err := e.currentOpenBatch(ctx)
	if err != nil {
		return storage.DecryptionRequest{}, err
	}

	deal, err := e.store.GetDeal(ctx, batch.ID, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.DecryptionRequest{}, ErrNotInitialized
		}
		return storage.DecryptionRequest{}, err
	}
	if deal.Status != storage.DealFunded {
		return storage.DecryptionRequest{}, fmt.Errorf("%w: deal already %s", ErrInvalidArgument, deal.Status)
	}

	createdAt := e.now()
	facts, err := e.adapter.DeriveSettlementFacts(ctx, deal.AmountCt, deal.PriceCt, deal.ConditionCt, createdAt)
	if err != nil {
		return storage.DecryptionRequest{}, fmt.Errorf("derive settlement facts: %w", err)
	}
	stateHash := e.adapter.Commitment(facts.Handles())

	requestID, err := e.gateway.RequestDecryption(ctx, facts.Handles())
	if err != nil {
		return storage.DecryptionRequest{}, fmt.Errorf("request decryption: %w", err)
	}

	req := storage.DecryptionRequest{
		RequestID: requestID,
		BatchID:   batch.ID,
		DealID:    dealID,
		Requester: actor,
		StateHash: stateHash,
		Status:    storage.RequestPending,
		CreatedAt: createdAt,
	}
	ev := storage.Event{
		Kind:      storage.EventDecryptionRequested,
		Actor:     addrPtr(actor),
		BatchID:   uintPtr(batch.ID),
		DealID:    uintPtr(dealID),
		RequestID: uintPtr(requestID),
		Detail:    fmt.Sprintf("state hash %s", stateHash.Hex()),
		CreatedAt: createdAt,
	}
	if err := e.store.SaveRequest(ctx, req, ev); err != nil {
		return storage.DecryptionRequest{}, err
	}

	e.logger.Info().
		Uint64("request_id", requestID).
		Uint64("batch_id", batch.ID).
		Uint64("deal_id", dealID).
		Str("state_hash", stateHash.Hex()).
		Msg("settlement decryption requested")
	return req, nil
}

// HandleDecryptionCallback validates an oracle callback and, exactly once
// per request, executes the settlement it authorises. Validation order:
// request existence, request status, commitment match, proof, cleartext
// shape. Status and commitment come before the proof so a replayed or
// stale callback is classified as such even when its proof is valid.
func (e *Engine) HandleDecryptionCallback(ctx context.Context, cb oracle.Callback) (storage.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.store.GetRequest(ctx, cb.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Deal{}, ErrRequestNotFound
		}
		return storage.Deal{}, err
	}

	switch req.Status {
	case storage.RequestProcessed:
		e.alertSecurityRejection(ctx, "ReplayAttempt", req, "callback for already processed request")
		return storage.Deal{}, ErrReplayAttempt
	case storage.RequestExpired:
		return storage.Deal{}, ErrRequestExpired
	}

	deal, err := e.store.GetDeal(ctx, req.BatchID, req.DealID)
	if err != nil {
		return storage.Deal{}, fmt.Errorf("load deal for request %d: %w", cb.RequestID, err)
	}

	facts, err := e.adapter.DeriveSettlementFacts(ctx, deal.AmountCt, deal.PriceCt, deal.ConditionCt, req.CreatedAt)
	if err != nil {
		return storage.Deal{}, fmt.Errorf("re-derive settlement facts: %w", err)
	}
	if got := e.adapter.Commitment(facts.Handles()); got != req.StateHash {
		e.alertSecurityRejection(ctx, "StateMismatch", req,
			fmt.Sprintf("recomputed %s, recorded %s", got.Hex(), req.StateHash.Hex()))
		return storage.Deal{}, ErrStateMismatch
	}

	if err := e.verifier.Verify(cb.RequestID, cb.Cleartexts, cb.Proof); err != nil {
		e.alertSecurityRejection(ctx, "InvalidProof", req, err.Error())
		return storage.Deal{}, fmt.Errorf("%w: %s", ErrInvalidProof, err)
	}

	result, err := oracle.DecodeSettlementResult(cb.Cleartexts)
	if err != nil {
		return storage.Deal{}, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}

	return e.executeSettlement(ctx, req, deal, result)
}

// executeSettlement applies a verified decryption result: it flips the
// request to processed and the deal to its terminal status in one atomic
// write. A concurrent callback losing the race surfaces as a replay.
func (e *Engine) executeSettlement(ctx context.Context, req storage.DecryptionRequest, deal storage.Deal, result oracle.SettlementResult) (storage.Deal, error) {
	amount := decimal.NewFromBigInt(result.Amount, 0)
	status := storage.DealConditionNotMet
	terminalKind := storage.EventDealConditionFailed
	if result.Settled {
		status = storage.DealSettled
		terminalKind = storage.EventDealSettled
	}

	at := e.now()
	evs := []storage.Event{
		{
			Kind:      storage.EventDecryptionCompleted,
			BatchID:   uintPtr(req.BatchID),
			DealID:    uintPtr(req.DealID),
			RequestID: uintPtr(req.RequestID),
			Amount:    &amount,
			Settled:   boolPtr(result.Settled),
			CreatedAt: at,
		},
		{
			Kind:      terminalKind,
			BatchID:   uintPtr(req.BatchID),
			DealID:    uintPtr(req.DealID),
			RequestID: uintPtr(req.RequestID),
			Amount:    &amount,
			Settled:   boolPtr(result.Settled),
			CreatedAt: at,
		},
	}

	if err := e.store.FinalizeRequest(ctx, req.RequestID, status, amount, result.Settled, at, evs); err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			e.alertSecurityRejection(ctx, "ReplayAttempt", req, "request finalized concurrently")
			return storage.Deal{}, ErrReplayAttempt
		}
		return storage.Deal{}, err
	}

	deal.Status = status
	deal.SettledAmount = &amount
	deal.SettledAt = &at

	e.logger.Info().
		Uint64("request_id", req.RequestID).
		Uint64("batch_id", req.BatchID).
		Uint64("deal_id", req.DealID).
		Str("amount", amount.String()).
		Bool("settled", result.Settled).
		Msg("settlement executed")
	return deal, nil
}

// GetRequest returns a stored decryption request.
func (e *Engine) GetRequest(ctx context.Context, requestID uint64) (storage.DecryptionRequest, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.DecryptionRequest{}, ErrRequestNotFound
		}
		return storage.DecryptionRequest{}, err
	}
	return req, nil
}
