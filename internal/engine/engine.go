// Package engine implements the confidential settlement protocol: admission
// control, the batch lifecycle, the encrypted deal ledger, and the
// decryption request/callback protocol with commitment verification.
//
// Entry points execute under a single mutex so every call observes and
// mutates a consistent snapshot, mirroring transactional one-at-a-time
// execution. The oracle callback is the only asynchronous boundary: a
// request registers a commitment and returns, and the callback is validated
// against that commitment whenever (and if ever) it arrives.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"confidential-settlement/internal/alerting"
	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/storage"
)

// Params configure the engine's fixed identity and policy knobs.
type Params struct {
	// Owner is the only address allowed to administer roles, batches,
	// cooldowns and the pause switch.
	Owner common.Address
	// Identity is mixed into every commitment so state hashes cannot be
	// replayed across engine deployments.
	Identity common.Address
	// RequestTTL bounds how long a pending decryption request is honoured.
	// Zero disables expiry.
	RequestTTL time.Duration
}

// Engine coordinates encrypted state, admission control and the decryption
// protocol over a persistent ledger.
type Engine struct {
	mu       sync.Mutex
	params   Params
	store    storage.Ledger
	adapter  *fhe.Adapter
	gateway  oracle.Gateway
	verifier oracle.Verifier
	notifier alerting.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the engine. The notifier may be nil; security rejections
// are then only logged.
func New(params Params, store storage.Ledger, adapter *fhe.Adapter, gateway oracle.Gateway, verifier oracle.Verifier, notifier alerting.Notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		params:   params,
		store:    store,
		adapter:  adapter,
		gateway:  gateway,
		verifier: verifier,
		notifier: notifier,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Owner returns the configured owner address.
func (e *Engine) Owner() common.Address {
	return e.params.Owner
}

// Identity returns the engine identity bound into commitments and proofs.
func (e *Engine) Identity() common.Address {
	return e.params.Identity
}

func (e *Engine) ensureOwner(actor common.Address) error {
	if actor != e.params.Owner {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) ensureNotPaused(settings storage.Settings) error {
	if settings.Paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) ensureCooldown(ctx context.Context, settings storage.Settings, actor common.Address, kind storage.CooldownKind) error {
	if settings.CooldownSeconds == 0 {
		return nil
	}
	last, ok, err := e.store.LastAction(ctx, actor, kind)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.now().Sub(last) < time.Duration(settings.CooldownSeconds)*time.Second {
		return ErrCooldownActive
	}
	return nil
}

func (e *Engine) currentOpenBatch(ctx context.Context) (storage.Batch, error) {
	batch, err := e.store.CurrentBatch(ctx)
	if err != nil {
		return storage.Batch{}, err
	}
	if !batch.Open {
		return storage.Batch{}, ErrBatchNotOpen
	}
	return batch, nil
}

// alertSecurityRejection pushes a protocol-integrity rejection to the
// configured notifier. Best effort: a notifier failure never masks the
// rejection itself.
func (e *Engine) alertSecurityRejection(ctx context.Context, condition string, req storage.DecryptionRequest, detail string) {
	e.logger.Warn().
		Str("condition", condition).
		Uint64("request_id", req.RequestID).
		Uint64("batch_id", req.BatchID).
		Uint64("deal_id", req.DealID).
		Str("detail", detail).
		Msg("security-relevant callback rejection")

	if e.notifier == nil {
		return
	}
	note := alerting.Notification{
		Condition:  condition,
		RequestID:  req.RequestID,
		BatchID:    req.BatchID,
		DealID:     req.DealID,
		Detail:     detail,
		OccurredAt: e.now(),
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("condition", condition).Msg("failed to dispatch security alert")
	}
}

func addrPtr(a common.Address) *common.Address {
	return &a
}

func uintPtr(v uint64) *uint64 {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}
