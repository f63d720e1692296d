package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"confidential-settlement/internal/storage"
)

// OpenBatch marks the current batch open for submissions. Owner only, not
// while paused. Opening an already open batch is rejected.
func (e *Engine) OpenBatch(ctx context.Context, actor common.Address) (storage.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return storage.Batch{}, err
	}
	if err := e.ensureNotPaused(settings); err != nil {
		return storage.Batch{}, err
	}
	if err := e.ensureOwner(actor); err != nil {
		return storage.Batch{}, err
	}

	current, err := e.store.CurrentBatch(ctx)
	if err != nil {
		return storage.Batch{}, err
	}
	if current.Open {
		return storage.Batch{}, ErrBatchAlreadyOpen
	}

	ev := storage.Event{
		Kind:      storage.EventBatchOpened,
		Actor:     addrPtr(actor),
		BatchID:   uintPtr(current.ID),
		CreatedAt: e.now(),
	}
	opened, err := e.store.OpenCurrentBatch(ctx, e.now(), ev)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Batch{}, ErrBatchAlreadyOpen
		}
		return storage.Batch{}, err
	}

	e.logger.Info().Uint64("batch_id", opened.ID).Msg("batch opened")
	return opened, nil
}

// CloseBatch permanently closes the current batch and advances the counter.
// The successor batch starts closed and needs an explicit OpenBatch before
// accepting submissions. Owner only, not while paused.
func (e *Engine) CloseBatch(ctx context.Context, actor common.Address) (storage.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return storage.Batch{}, err
	}
	if err := e.ensureNotPaused(settings); err != nil {
		return storage.Batch{}, err
	}
	if err := e.ensureOwner(actor); err != nil {
		return storage.Batch{}, err
	}

	current, err := e.store.CurrentBatch(ctx)
	if err != nil {
		return storage.Batch{}, err
	}
	if !current.Open {
		return storage.Batch{}, ErrBatchNotOpen
	}

	ev := storage.Event{
		Kind:      storage.EventBatchClosed,
		Actor:     addrPtr(actor),
		BatchID:   uintPtr(current.ID),
		Detail:    fmt.Sprintf("next batch %d", current.ID+1),
		CreatedAt: e.now(),
	}
	next, err := e.store.CloseCurrentBatch(ctx, e.now(), ev)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Batch{}, ErrBatchNotOpen
		}
		return storage.Batch{}, err
	}

	e.logger.Info().Uint64("closed_batch_id", current.ID).Uint64("current_batch_id", next.ID).Msg("batch closed")
	return next, nil
}

// CurrentBatch reports the current batch and its open flag.
func (e *Engine) CurrentBatch(ctx context.Context) (storage.Batch, error) {
	return e.store.CurrentBatch(ctx)
}
