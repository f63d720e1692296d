package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/fhe"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists indicates an insert collided with an existing record.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrHandleRegistered indicates a ciphertext handle is already in the registry.
	ErrHandleRegistered = errors.New("storage: handle already registered")
	// ErrConflict indicates a conditional update found the record in another state.
	ErrConflict = errors.New("storage: state conflict")
	// ErrNotPending indicates a finalize/expire hit a request that is no longer pending.
	ErrNotPending = errors.New("storage: request not pending")
)

// ControlStore persists the engine-wide control knobs.
type ControlStore interface {
	Settings(ctx context.Context) (Settings, error)
	SetPaused(ctx context.Context, paused bool, ev Event) error
	SetCooldownSeconds(ctx context.Context, seconds uint64, ev Event) error
}

// ProviderStore persists the provider allow-list.
type ProviderStore interface {
	AddProvider(ctx context.Context, addr common.Address, ev Event) error
	RemoveProvider(ctx context.Context, addr common.Address, ev Event) error
	IsProvider(ctx context.Context, addr common.Address) (bool, error)
	ListProviders(ctx context.Context) ([]common.Address, error)
}

// BatchStore persists the batch lifecycle. OpenCurrentBatch and
// CloseCurrentBatch are conditional: they fail with ErrConflict if the
// current batch is not in the expected state.
type BatchStore interface {
	CurrentBatch(ctx context.Context) (Batch, error)
	OpenCurrentBatch(ctx context.Context, at time.Time, ev Event) (Batch, error)
	CloseCurrentBatch(ctx context.Context, at time.Time, ev Event) (Batch, error)
}

// DealStore persists encrypted deal records and the global handle registry.
// SaveDeal writes the deal, registers all five handles, stamps the
// provider's submission cooldown and appends the event in one transaction.
type DealStore interface {
	SaveDeal(ctx context.Context, deal Deal, ev Event) error
	GetDeal(ctx context.Context, batchID, dealID uint64) (Deal, error)
	KnownHandles(ctx context.Context, handles []fhe.Handle) ([]fhe.Handle, error)
	ListRecentDeals(ctx context.Context, limit int) ([]Deal, error)
}

// RequestStore persists decryption requests. SaveRequest stamps the
// requester's settlement cooldown in the same transaction. FinalizeRequest
// flips a pending request to processed, applies the deal's terminal status
// and appends the supplied events atomically; it fails with ErrNotPending if
// the request was already processed or expired.
type RequestStore interface {
	SaveRequest(ctx context.Context, req DecryptionRequest, ev Event) error
	GetRequest(ctx context.Context, requestID uint64) (DecryptionRequest, error)
	FinalizeRequest(ctx context.Context, requestID uint64, status DealStatus, amount decimal.Decimal, settled bool, at time.Time, evs []Event) error
	ExpireRequest(ctx context.Context, requestID uint64, at time.Time, ev Event) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]DecryptionRequest, error)
	ListRecentRequests(ctx context.Context, limit int) ([]DecryptionRequest, error)
}

// CooldownStore reads per-address rate-limit stamps. Stamps are written as a
// side effect of SaveDeal and SaveRequest.
type CooldownStore interface {
	LastAction(ctx context.Context, addr common.Address, kind CooldownKind) (time.Time, bool, error)
}

// EventStore reads the audit trail. Events are appended inside the mutating
// operations above, never on their own.
type EventStore interface {
	ListRecentEvents(ctx context.Context, limit int) ([]Event, error)
	ListEventsBetween(ctx context.Context, from, to time.Time) ([]Event, error)
}

// Ledger aggregates every persistence concern the engine depends on.
type Ledger interface {
	ControlStore
	ProviderStore
	BatchStore
	DealStore
	RequestStore
	CooldownStore
	EventStore
}
