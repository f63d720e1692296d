package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/storage"
)

// SubmitDeal records an encrypted deal in the current open batch. The five
// ciphertext handles are opaque to the engine; they are only checked for
// well-formedness and global uniqueness before the deal is written.
//
// Guard order: pause, provider role, submission cooldown, batch state,
// argument validation, handle registry, duplicate deal.
func (e *Engine) SubmitDeal(ctx context.Context, actor common.Address, dealID uint64, amountCt, priceCt, buyerCt, sellerCt, conditionCt fhe.Handle) (storage.Deal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return storage.Deal{}, err
	}
	if err := e.ensureNotPaused(settings); err != nil {
		return storage.Deal{}, err
	}
	isProvider, err := e.store.IsProvider(ctx, actor)
	if err != nil {
		return storage.Deal{}, err
	}
	if !isProvider {
		return storage.Deal{}, ErrNotProvider
	}
	if err := e.ensureCooldown(ctx, settings, actor, storage.CooldownSubmission); err != nil {
		return storage.Deal{}, err
	}
	batch, err := e.currentOpenBatch(ctx)
	if err != nil {
		return storage.Deal{}, err
	}

	if dealID == 0 {
		return storage.Deal{}, fmt.Errorf("%w: deal id must be non-zero", ErrInvalidArgument)
	}
	handles := []fhe.Handle{amountCt, priceCt, buyerCt, sellerCt, conditionCt}
	for i, h := range handles {
		if h.IsZero() {
			return storage.Deal{}, fmt.Errorf("%w: handle %d is zero", ErrInvalidArgument, i)
		}
		for j := 0; j < i; j++ {
			if handles[j] == h {
				return storage.Deal{}, fmt.Errorf("%w: handles %d and %d are identical", ErrInvalidArgument, j, i)
			}
		}
	}

	known, err := e.store.KnownHandles(ctx, handles)
	if err != nil {
		return storage.Deal{}, err
	}
	if len(known) > 0 {
		return storage.Deal{}, fmt.Errorf("%w: handle %s already registered", ErrAlreadyInitialized, known[0].Hex())
	}

	if _, err := e.store.GetDeal(ctx, batch.ID, dealID); err == nil {
		return storage.Deal{}, ErrDealExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Deal{}, err
	}

	deal := storage.Deal{
		BatchID:     batch.ID,
		DealID:      dealID,
		Provider:    actor,
		AmountCt:    amountCt,
		PriceCt:     priceCt,
		BuyerCt:     buyerCt,
		SellerCt:    sellerCt,
		ConditionCt: conditionCt,
		Status:      storage.DealFunded,
		SubmittedAt: e.now(),
	}
	ev := storage.Event{
		Kind:      storage.EventDealSubmitted,
		Actor:     addrPtr(actor),
		BatchID:   uintPtr(batch.ID),
		DealID:    uintPtr(dealID),
		CreatedAt: deal.SubmittedAt,
	}
	if err := e.store.SaveDeal(ctx, deal, ev); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return storage.Deal{}, ErrDealExists
		case errors.Is(err, storage.ErrHandleRegistered):
			return storage.Deal{}, fmt.Errorf("%w: handle already registered", ErrAlreadyInitialized)
		}
		return storage.Deal{}, err
	}

	e.logger.Info().
		Uint64("batch_id", batch.ID).
		Uint64("deal_id", dealID).
		Str("provider", actor.Hex()).
		Msg("deal submitted")
	return deal, nil
}

// GetDeal returns a stored deal by batch and deal id.
func (e *Engine) GetDeal(ctx context.Context, batchID, dealID uint64) (storage.Deal, error) {
	deal, err := e.store.GetDeal(ctx, batchID, dealID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Deal{}, ErrNotInitialized
		}
		return storage.Deal{}, err
	}
	return deal, nil
}
