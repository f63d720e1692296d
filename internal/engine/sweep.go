package engine

import (
	"context"

	"confidential-settlement/internal/storage"
)

// ExpireStaleRequests marks every pending decryption request older than the
// configured TTL as expired, closing the replay window for callbacks that
// never arrived. Returns the number of requests expired. A zero TTL
// disables expiry.
func (e *Engine) ExpireStaleRequests(ctx context.Context) (int, error) {
	if e.params.RequestTTL <= 0 {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.params.RequestTTL)
	stale, err := e.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		at := e.now()
		ev := storage.Event{
			Kind:      storage.EventRequestExpired,
			BatchID:   uintPtr(req.BatchID),
			DealID:    uintPtr(req.DealID),
			RequestID: uintPtr(req.RequestID),
			CreatedAt: at,
		}
		if err := e.store.ExpireRequest(ctx, req.RequestID, at, ev); err != nil {
			// A request finalized between the scan and the expiry is fine.
			e.logger.Debug().Err(err).Uint64("request_id", req.RequestID).Msg("skipping expiry")
			continue
		}
		expired++
		e.logger.Info().
			Uint64("request_id", req.RequestID).
			Uint64("batch_id", req.BatchID).
			Uint64("deal_id", req.DealID).
			Msg("decryption request expired")
	}
	return expired, nil
}
