package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"confidential-settlement/internal/storage"
)

// AddProvider allow-lists a submitter. Owner only; zero and duplicate
// addresses are rejected. Role administration stays available while paused
// so the owner can always recover.
func (e *Engine) AddProvider(ctx context.Context, actor, provider common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOwner(actor); err != nil {
		return err
	}
	if provider == (common.Address{}) {
		return fmt.Errorf("%w: zero provider address", ErrInvalidArgument)
	}

	ev := storage.Event{
		Kind:      storage.EventProviderAdded,
		Actor:     addrPtr(actor),
		Detail:    provider.Hex(),
		CreatedAt: e.now(),
	}
	if err := e.store.AddProvider(ctx, provider, ev); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("%w: provider already listed", ErrInvalidArgument)
		}
		return err
	}

	e.logger.Info().Str("provider", provider.Hex()).Msg("provider added")
	return nil
}

// RemoveProvider drops a submitter from the allow-list. Owner only;
// removing an address that is not listed is rejected.
func (e *Engine) RemoveProvider(ctx context.Context, actor, provider common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOwner(actor); err != nil {
		return err
	}
	if provider == (common.Address{}) {
		return fmt.Errorf("%w: zero provider address", ErrInvalidArgument)
	}

	ev := storage.Event{
		Kind:      storage.EventProviderRemoved,
		Actor:     addrPtr(actor),
		Detail:    provider.Hex(),
		CreatedAt: e.now(),
	}
	if err := e.store.RemoveProvider(ctx, provider, ev); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: provider not listed", ErrInvalidArgument)
		}
		return err
	}

	e.logger.Info().Str("provider", provider.Hex()).Msg("provider removed")
	return nil
}

// SetCooldownSeconds changes the rate-limit window. Owner only; setting the
// current value again is rejected as a no-op.
func (e *Engine) SetCooldownSeconds(ctx context.Context, actor common.Address, seconds uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOwner(actor); err != nil {
		return err
	}

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return err
	}
	if settings.CooldownSeconds == seconds {
		return fmt.Errorf("%w: cooldown unchanged", ErrInvalidArgument)
	}

	ev := storage.Event{
		Kind:      storage.EventCooldownChanged,
		Actor:     addrPtr(actor),
		Detail:    fmt.Sprintf("%d -> %d", settings.CooldownSeconds, seconds),
		CreatedAt: e.now(),
	}
	if err := e.store.SetCooldownSeconds(ctx, seconds, ev); err != nil {
		return err
	}

	e.logger.Info().Uint64("old", settings.CooldownSeconds).Uint64("new", seconds).Msg("cooldown changed")
	return nil
}

// Pause gates every state-mutating entry point outside this controller.
func (e *Engine) Pause(ctx context.Context, actor common.Address) error {
	return e.setPaused(ctx, actor, true)
}

// Unpause lifts the global mutation gate.
func (e *Engine) Unpause(ctx context.Context, actor common.Address) error {
	return e.setPaused(ctx, actor, false)
}

func (e *Engine) setPaused(ctx context.Context, actor common.Address, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOwner(actor); err != nil {
		return err
	}

	settings, err := e.store.Settings(ctx)
	if err != nil {
		return err
	}
	if settings.Paused == paused {
		return fmt.Errorf("%w: pause state unchanged", ErrInvalidArgument)
	}

	kind := storage.EventPaused
	if !paused {
		kind = storage.EventUnpaused
	}
	ev := storage.Event{Kind: kind, Actor: addrPtr(actor), CreatedAt: e.now()}
	if err := e.store.SetPaused(ctx, paused, ev); err != nil {
		return err
	}

	e.logger.Info().Bool("paused", paused).Msg("pause switch toggled")
	return nil
}

// IsPaused reports the pause switch.
func (e *Engine) IsPaused(ctx context.Context) (bool, error) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		return false, err
	}
	return settings.Paused, nil
}
