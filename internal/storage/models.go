package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/fhe"
)

// Settings are the engine-wide control knobs persisted alongside the ledger.
type Settings struct {
	Paused          bool
	CooldownSeconds uint64
}

// Batch is one admission window. Exactly one batch is current at a time;
// only the current batch can be open.
type Batch struct {
	ID       uint64
	Open     bool
	OpenedAt *time.Time
	ClosedAt *time.Time
}

// DealStatus is the externally observable lifecycle state of a deal.
type DealStatus string

const (
	// DealFunded is the initial status of every submitted deal.
	DealFunded DealStatus = "funded"
	// DealSettled means the decrypted settlement condition held.
	DealSettled DealStatus = "settled"
	// DealConditionNotMet means the decrypted settlement condition failed.
	DealConditionNotMet DealStatus = "condition_not_met"
)

// Deal is one encrypted deal record, immutable once written except for its
// status transition out of funded.
type Deal struct {
	BatchID     uint64
	DealID      uint64
	Provider    common.Address
	AmountCt    fhe.Handle
	PriceCt     fhe.Handle
	BuyerCt     fhe.Handle
	SellerCt    fhe.Handle
	ConditionCt fhe.Handle
	Status      DealStatus
	SubmittedAt time.Time

	SettledAmount *decimal.Decimal
	SettledAt     *time.Time
}

// Handles returns the five ciphertext handles in submission order.
func (d Deal) Handles() []fhe.Handle {
	return []fhe.Handle{d.AmountCt, d.PriceCt, d.BuyerCt, d.SellerCt, d.ConditionCt}
}

// RequestStatus tracks a decryption request through its exactly-once protocol.
type RequestStatus string

const (
	// RequestPending awaits the oracle callback.
	RequestPending RequestStatus = "pending"
	// RequestProcessed accepted exactly one valid callback.
	RequestProcessed RequestStatus = "processed"
	// RequestExpired was abandoned by the sweeper before any callback.
	RequestExpired RequestStatus = "expired"
)

// DecryptionRequest is the pending-request record the callback is validated
// against. It carries the deal linkage and the commitment over the exact
// ordered handle list submitted for decryption.
type DecryptionRequest struct {
	RequestID   uint64
	BatchID     uint64
	DealID      uint64
	Requester   common.Address
	StateHash   common.Hash
	Status      RequestStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// CooldownKind distinguishes the two rate-limited actions.
type CooldownKind string

const (
	// CooldownSubmission gates deal submissions per provider.
	CooldownSubmission CooldownKind = "submission"
	// CooldownSettlement gates settlement requests per requester.
	CooldownSettlement CooldownKind = "settlement_request"
)

// Event kinds forming the durable audit trail.
const (
	EventProviderAdded       = "provider_added"
	EventProviderRemoved     = "provider_removed"
	EventCooldownChanged     = "cooldown_changed"
	EventPaused              = "paused"
	EventUnpaused            = "unpaused"
	EventBatchOpened         = "batch_opened"
	EventBatchClosed         = "batch_closed"
	EventDealSubmitted       = "deal_submitted"
	EventDecryptionRequested = "decryption_requested"
	EventDecryptionCompleted = "decryption_completed"
	EventDealSettled         = "deal_settled"
	EventDealConditionFailed = "deal_condition_not_met"
	EventRequestExpired      = "decryption_expired"
)

// Event is one audit record. Identifier fields are pointers because not
// every kind carries every identifier.
type Event struct {
	ID        int64
	Kind      string
	Actor     *common.Address
	BatchID   *uint64
	DealID    *uint64
	RequestID *uint64
	Amount    *decimal.Decimal
	Settled   *bool
	Detail    string
	CreatedAt time.Time
}
