package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"confidential-settlement/internal/engine"
)

// Offline administration against the shared database. Every command acts as
// the configured owner; the engine applies the same guards it applies to
// API traffic.

// AddProvider allow-lists a deal provider.
func (a *App) AddProvider(ctx context.Context, provider common.Address) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		if err := run.engine.AddProvider(ctx, run.owner, provider); err != nil {
			return err
		}
		a.Logger.Info().Str("provider", provider.Hex()).Msg("provider added")
		return nil
	})
}

// RemoveProvider removes a deal provider from the allow-list.
func (a *App) RemoveProvider(ctx context.Context, provider common.Address) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		if err := run.engine.RemoveProvider(ctx, run.owner, provider); err != nil {
			return err
		}
		a.Logger.Info().Str("provider", provider.Hex()).Msg("provider removed")
		return nil
	})
}

// OpenBatch opens the current batch for submissions.
func (a *App) OpenBatch(ctx context.Context) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		batch, err := run.engine.OpenBatch(ctx, run.owner)
		if err != nil {
			return err
		}
		a.Logger.Info().Uint64("batch_id", batch.ID).Msg("batch opened")
		return nil
	})
}

// CloseBatch closes the current batch and advances the counter.
func (a *App) CloseBatch(ctx context.Context) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		batch, err := run.engine.CloseBatch(ctx, run.owner)
		if err != nil {
			return err
		}
		a.Logger.Info().Uint64("current_batch_id", batch.ID).Msg("batch closed")
		return nil
	})
}

// SetPaused flips the engine-wide pause switch.
func (a *App) SetPaused(ctx context.Context, paused bool) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		var err error
		if paused {
			err = run.engine.Pause(ctx, run.owner)
		} else {
			err = run.engine.Unpause(ctx, run.owner)
		}
		if err != nil {
			return err
		}
		a.Logger.Info().Bool("paused", paused).Msg("pause state changed")
		return nil
	})
}

// SetCooldown updates the engine-wide cooldown window.
func (a *App) SetCooldown(ctx context.Context, seconds uint64) error {
	return a.withAdminEngine(ctx, func(ctx context.Context, run *adminRun) error {
		if err := run.engine.SetCooldownSeconds(ctx, run.owner, seconds); err != nil {
			return err
		}
		a.Logger.Info().Uint64("cooldown_seconds", seconds).Msg("cooldown updated")
		return nil
	})
}

type adminRun struct {
	engine *engine.Engine
	owner  common.Address
}

func (a *App) withAdminEngine(ctx context.Context, fn func(ctx context.Context, run *adminRun) error) error {
	ledger, closeLedger, err := a.openPersistentLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	run := &adminRun{engine: a.newEngine(ledger), owner: a.Config.OwnerAddress()}
	if err := fn(ctx, run); err != nil {
		return fmt.Errorf("admin command: %w", err)
	}
	return nil
}
