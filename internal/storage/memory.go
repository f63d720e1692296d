package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/fhe"
)

type dealKey struct {
	batchID uint64
	dealID  uint64
}

// MemStore is an in-memory implementation of the Ledger. It backs tests and
// local development when database.dsn is not configured. Safe for concurrent
// use.
type MemStore struct {
	mu        sync.RWMutex
	settings  Settings
	providers map[common.Address]time.Time
	current   uint64
	batches   map[uint64]*Batch
	deals     map[dealKey]Deal
	handles   map[fhe.Handle]dealKey
	requests  map[uint64]DecryptionRequest
	cooldowns map[common.Address]map[CooldownKind]time.Time
	events    []Event
	nextEvent int64
}

// NewMemStore creates an empty ledger with batch 1 seeded closed.
func NewMemStore(defaultCooldownSeconds uint64) *MemStore {
	return &MemStore{
		settings:  Settings{CooldownSeconds: defaultCooldownSeconds},
		providers: make(map[common.Address]time.Time),
		current:   1,
		batches:   map[uint64]*Batch{1: {ID: 1}},
		deals:     make(map[dealKey]Deal),
		handles:   make(map[fhe.Handle]dealKey),
		requests:  make(map[uint64]DecryptionRequest),
		cooldowns: make(map[common.Address]map[CooldownKind]time.Time),
		nextEvent: 1,
	}
}

func (m *MemStore) appendEventLocked(ev Event) {
	ev.ID = m.nextEvent
	m.nextEvent++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
}

// Settings reads the control knobs.
func (m *MemStore) Settings(_ context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

// SetPaused toggles the pause switch.
func (m *MemStore) SetPaused(_ context.Context, paused bool, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.Paused = paused
	m.appendEventLocked(ev)
	return nil
}

// SetCooldownSeconds updates the rate-limit window.
func (m *MemStore) SetCooldownSeconds(_ context.Context, seconds uint64, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.CooldownSeconds = seconds
	m.appendEventLocked(ev)
	return nil
}

// AddProvider inserts into the allow-list.
func (m *MemStore) AddProvider(_ context.Context, addr common.Address, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[addr]; exists {
		return ErrAlreadyExists
	}
	m.providers[addr] = time.Now().UTC()
	m.appendEventLocked(ev)
	return nil
}

// RemoveProvider deletes from the allow-list.
func (m *MemStore) RemoveProvider(_ context.Context, addr common.Address, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[addr]; !exists {
		return ErrNotFound
	}
	delete(m.providers, addr)
	m.appendEventLocked(ev)
	return nil
}

// IsProvider checks allow-list membership.
func (m *MemStore) IsProvider(_ context.Context, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.providers[addr]
	return ok, nil
}

// ListProviders returns the allow-list sorted by insertion time.
func (m *MemStore) ListProviders(_ context.Context) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := make([]common.Address, 0, len(m.providers))
	for addr := range m.providers {
		providers = append(providers, addr)
	}
	sort.Slice(providers, func(i, j int) bool {
		return m.providers[providers[i]].Before(m.providers[providers[j]])
	})
	return providers, nil
}

// CurrentBatch reads the current batch.
func (m *MemStore) CurrentBatch(_ context.Context) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.batches[m.current], nil
}

// OpenCurrentBatch marks the current batch open if it is closed.
func (m *MemStore) OpenCurrentBatch(_ context.Context, at time.Time, ev Event) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.batches[m.current]
	if batch.Open {
		return Batch{}, ErrConflict
	}
	openedAt := at
	batch.Open = true
	batch.OpenedAt = &openedAt
	m.appendEventLocked(ev)
	return *batch, nil
}

// CloseCurrentBatch closes the current batch and advances the counter.
func (m *MemStore) CloseCurrentBatch(_ context.Context, at time.Time, ev Event) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.batches[m.current]
	if !batch.Open {
		return Batch{}, ErrConflict
	}
	closedAt := at
	batch.Open = false
	batch.ClosedAt = &closedAt

	m.current++
	m.batches[m.current] = &Batch{ID: m.current}
	m.appendEventLocked(ev)
	return *m.batches[m.current], nil
}

// SaveDeal writes the deal, registers its handles and stamps the submission
// cooldown atomically.
func (m *MemStore) SaveDeal(_ context.Context, deal Deal, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dealKey{batchID: deal.BatchID, dealID: deal.DealID}
	if _, exists := m.deals[key]; exists {
		return ErrAlreadyExists
	}
	for _, h := range deal.Handles() {
		if _, seen := m.handles[h]; seen {
			return ErrHandleRegistered
		}
	}

	m.deals[key] = deal
	for _, h := range deal.Handles() {
		m.handles[h] = key
	}
	m.stampLocked(deal.Provider, CooldownSubmission, deal.SubmittedAt)
	m.appendEventLocked(ev)
	return nil
}

// GetDeal loads one deal record.
func (m *MemStore) GetDeal(_ context.Context, batchID, dealID uint64) (Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deal, ok := m.deals[dealKey{batchID: batchID, dealID: dealID}]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return deal, nil
}

// KnownHandles returns the subset of handles already registered.
func (m *MemStore) KnownHandles(_ context.Context, handles []fhe.Handle) ([]fhe.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	known := make([]fhe.Handle, 0)
	for _, h := range handles {
		if _, seen := m.handles[h]; seen {
			known = append(known, h)
		}
	}
	return known, nil
}

// ListRecentDeals lists deals newest first.
func (m *MemStore) ListRecentDeals(_ context.Context, limit int) ([]Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deals := make([]Deal, 0, len(m.deals))
	for _, deal := range m.deals {
		deals = append(deals, deal)
	}
	sort.Slice(deals, func(i, j int) bool {
		return deals[i].SubmittedAt.After(deals[j].SubmittedAt)
	})
	if limit > 0 && len(deals) > limit {
		deals = deals[:limit]
	}
	return deals, nil
}

func (m *MemStore) stampLocked(addr common.Address, kind CooldownKind, at time.Time) {
	stamps, ok := m.cooldowns[addr]
	if !ok {
		stamps = make(map[CooldownKind]time.Time)
		m.cooldowns[addr] = stamps
	}
	stamps[kind] = at
}

// LastAction reads a cooldown stamp.
func (m *MemStore) LastAction(_ context.Context, addr common.Address, kind CooldownKind) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stamps, ok := m.cooldowns[addr]
	if !ok {
		return time.Time{}, false, nil
	}
	at, ok := stamps[kind]
	return at, ok, nil
}

// SaveRequest persists a pending request and stamps the settlement cooldown.
func (m *MemStore) SaveRequest(_ context.Context, req DecryptionRequest, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.RequestID]; exists {
		return ErrAlreadyExists
	}
	m.requests[req.RequestID] = req
	m.stampLocked(req.Requester, CooldownSettlement, req.CreatedAt)
	m.appendEventLocked(ev)
	return nil
}

// GetRequest loads one decryption request.
func (m *MemStore) GetRequest(_ context.Context, requestID uint64) (DecryptionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[requestID]
	if !ok {
		return DecryptionRequest{}, ErrNotFound
	}
	return req, nil
}

// FinalizeRequest flips a pending request to processed and applies the
// terminal deal status atomically.
func (m *MemStore) FinalizeRequest(_ context.Context, requestID uint64, status DealStatus, amount decimal.Decimal, settled bool, at time.Time, evs []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != RequestPending {
		return ErrNotPending
	}

	processedAt := at
	req.Status = RequestProcessed
	req.ProcessedAt = &processedAt
	m.requests[requestID] = req

	key := dealKey{batchID: req.BatchID, dealID: req.DealID}
	if deal, ok := m.deals[key]; ok {
		settledAt := at
		settledAmount := amount
		deal.Status = status
		deal.SettledAmount = &settledAmount
		deal.SettledAt = &settledAt
		m.deals[key] = deal
	}

	for _, ev := range evs {
		m.appendEventLocked(ev)
	}
	return nil
}

// ExpireRequest flips a pending request to expired.
func (m *MemStore) ExpireRequest(_ context.Context, requestID uint64, at time.Time, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != RequestPending {
		return ErrNotPending
	}

	req.Status = RequestExpired
	req.ProcessedAt = &at
	m.requests[requestID] = req
	m.appendEventLocked(ev)
	return nil
}

// ListPendingBefore lists pending requests created before the cutoff.
func (m *MemStore) ListPendingBefore(_ context.Context, cutoff time.Time) ([]DecryptionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]DecryptionRequest, 0)
	for _, req := range m.requests {
		if req.Status == RequestPending && req.CreatedAt.Before(cutoff) {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListRecentRequests lists requests newest first.
func (m *MemStore) ListRecentRequests(_ context.Context, limit int) ([]DecryptionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	requests := make([]DecryptionRequest, 0, len(m.requests))
	for _, req := range m.requests {
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

// ListRecentEvents lists the newest audit events first.
func (m *MemStore) ListRecentEvents(_ context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(events) < limit); i-- {
		events = append(events, m.events[i])
	}
	return events, nil
}

// ListEventsBetween lists events within a window in emission order.
func (m *MemStore) ListEventsBetween(_ context.Context, from, to time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0)
	for _, ev := range m.events {
		if !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			events = append(events, ev)
		}
	}
	return events, nil
}

var _ Ledger = (*MemStore)(nil)
