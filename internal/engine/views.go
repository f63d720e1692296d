package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"confidential-settlement/internal/storage"
)

// Read-side accessors for the HTTP API and the CLI. No guards: reads leak
// nothing encrypted and stay available while paused.

func (e *Engine) Settings(ctx context.Context) (storage.Settings, error) {
	return e.store.Settings(ctx)
}

func (e *Engine) ListProviders(ctx context.Context) ([]common.Address, error) {
	return e.store.ListProviders(ctx)
}

func (e *Engine) ListRecentDeals(ctx context.Context, limit int) ([]storage.Deal, error) {
	return e.store.ListRecentDeals(ctx, limit)
}

func (e *Engine) ListRecentRequests(ctx context.Context, limit int) ([]storage.DecryptionRequest, error) {
	return e.store.ListRecentRequests(ctx, limit)
}

func (e *Engine) ListRecentEvents(ctx context.Context, limit int) ([]storage.Event, error) {
	return e.store.ListRecentEvents(ctx, limit)
}

func (e *Engine) ListEventsBetween(ctx context.Context, from, to time.Time) ([]storage.Event, error) {
	return e.store.ListEventsBetween(ctx, from, to)
}
