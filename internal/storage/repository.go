package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"confidential-settlement/internal/fhe"
)

const (
	selectSettingsSQL = `SELECT paused, cooldown_seconds FROM engine_settings WHERE id = 1;`

	setPausedSQL = `UPDATE engine_settings SET paused = $1 WHERE id = 1;`

	setCooldownSQL = `UPDATE engine_settings SET cooldown_seconds = $1 WHERE id = 1;`

	insertProviderSQL = `INSERT INTO providers (address, added_at) VALUES ($1, $2)
    ON CONFLICT (address) DO NOTHING;`

	deleteProviderSQL = `DELETE FROM providers WHERE address = $1;`

	isProviderSQL = `SELECT EXISTS (SELECT 1 FROM providers WHERE address = $1);`

	listProvidersSQL = `SELECT address FROM providers ORDER BY added_at;`

	selectCurrentBatchSQL = `SELECT b.id, b.open, b.opened_at, b.closed_at
    FROM batches b
    JOIN engine_settings s ON s.current_batch = b.id
    WHERE s.id = 1;`

	openCurrentBatchSQL = `UPDATE batches SET open = true, opened_at = $1
    WHERE id = (SELECT current_batch FROM engine_settings WHERE id = 1)
      AND open = false
    RETURNING id;`

	closeCurrentBatchSQL = `UPDATE batches SET open = false, closed_at = $1
    WHERE id = (SELECT current_batch FROM engine_settings WHERE id = 1)
      AND open = true
    RETURNING id;`

	insertBatchSQL = `INSERT INTO batches (id, open) VALUES ($1, false);`

	advanceCurrentBatchSQL = `UPDATE engine_settings SET current_batch = $1 WHERE id = 1;`

	insertDealSQL = `INSERT INTO deals (
        batch_id, deal_id, provider,
        amount_ct, price_ct, buyer_ct, seller_ct, condition_ct,
        status, submitted_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	insertHandleSQL = `INSERT INTO ciphertext_handles (handle, batch_id, deal_id, registered_at)
    VALUES ($1,$2,$3,$4);`

	selectDealSQL = `SELECT batch_id, deal_id, provider,
        amount_ct, price_ct, buyer_ct, seller_ct, condition_ct,
        status, submitted_at, settled_amount, settled_at
    FROM deals
    WHERE batch_id = $1 AND deal_id = $2;`

	listRecentDealsSQL = `SELECT batch_id, deal_id, provider,
        amount_ct, price_ct, buyer_ct, seller_ct, condition_ct,
        status, submitted_at, settled_amount, settled_at
    FROM deals
    ORDER BY submitted_at DESC
    LIMIT $1;`

	knownHandlesSQL = `SELECT handle FROM ciphertext_handles WHERE handle = ANY($1);`

	upsertCooldownSQL = `INSERT INTO cooldowns (address, kind, last_action_at)
    VALUES ($1,$2,$3)
    ON CONFLICT (address, kind) DO UPDATE SET last_action_at = EXCLUDED.last_action_at;`

	selectCooldownSQL = `SELECT last_action_at FROM cooldowns WHERE address = $1 AND kind = $2;`

	insertRequestSQL = `INSERT INTO decryption_requests (
        request_id, batch_id, deal_id, requester, state_hash, status, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	selectRequestSQL = `SELECT request_id, batch_id, deal_id, requester, state_hash,
        status, created_at, processed_at
    FROM decryption_requests
    WHERE request_id = $1;`

	markRequestProcessedSQL = `UPDATE decryption_requests
    SET status = $2, processed_at = $3
    WHERE request_id = $1 AND status = $4
    RETURNING batch_id, deal_id;`

	settleDealSQL = `UPDATE deals
    SET status = $3, settled_amount = $4, settled_at = $5
    WHERE batch_id = $1 AND deal_id = $2;`

	listPendingBeforeSQL = `SELECT request_id, batch_id, deal_id, requester, state_hash,
        status, created_at, processed_at
    FROM decryption_requests
    WHERE status = $1 AND created_at < $2
    ORDER BY created_at;`

	listRecentRequestsSQL = `SELECT request_id, batch_id, deal_id, requester, state_hash,
        status, created_at, processed_at
    FROM decryption_requests
    ORDER BY created_at DESC
    LIMIT $1;`

	insertEventSQL = `INSERT INTO events (kind, actor, batch_id, deal_id, request_id, amount, settled, detail, created_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	listRecentEventsSQL = `SELECT id, kind, actor, batch_id, deal_id, request_id, amount, settled, detail, created_at
    FROM events
    ORDER BY id DESC
    LIMIT $1;`

	listEventsBetweenSQL = `SELECT id, kind, actor, batch_id, deal_id, request_id, amount, settled, detail, created_at
    FROM events
    WHERE created_at >= $1 AND created_at < $2
    ORDER BY id;`
)

// Store is the PostgreSQL-backed ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendEventTx(ctx context.Context, tx pgx.Tx, ev Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var actor interface{}
	if ev.Actor != nil {
		actor = ev.Actor.Bytes()
	}
	var amount interface{}
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}

	if _, err := tx.Exec(ctx, insertEventSQL,
		ev.Kind,
		actor,
		ev.BatchID,
		ev.DealID,
		ev.RequestID,
		amount,
		ev.Settled,
		ev.Detail,
		createdAt,
	); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Settings reads the control row.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	pool, err := s.getPool()
	if err != nil {
		return Settings{}, err
	}

	var settings Settings
	var cooldown int64
	if err := pool.QueryRow(ctx, selectSettingsSQL).Scan(&settings.Paused, &cooldown); err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	settings.CooldownSeconds = uint64(cooldown)
	return settings, nil
}

// SetPaused toggles the pause switch.
func (s *Store) SetPaused(ctx context.Context, paused bool, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, setPausedSQL, paused); err != nil {
			return fmt.Errorf("set paused: %w", err)
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// SetCooldownSeconds updates the rate-limit window.
func (s *Store) SetCooldownSeconds(ctx context.Context, seconds uint64, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, setCooldownSQL, int64(seconds)); err != nil {
			return fmt.Errorf("set cooldown: %w", err)
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// AddProvider inserts into the allow-list.
func (s *Store) AddProvider(ctx context.Context, addr common.Address, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertProviderSQL, addr.Bytes(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("add provider: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyExists
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// RemoveProvider deletes from the allow-list.
func (s *Store) RemoveProvider(ctx context.Context, addr common.Address, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteProviderSQL, addr.Bytes())
		if err != nil {
			return fmt.Errorf("remove provider: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// IsProvider checks allow-list membership.
func (s *Store) IsProvider(ctx context.Context, addr common.Address) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var ok bool
	if err := pool.QueryRow(ctx, isProviderSQL, addr.Bytes()).Scan(&ok); err != nil {
		return false, fmt.Errorf("check provider: %w", err)
	}
	return ok, nil
}

// ListProviders returns the allow-list in insertion order.
func (s *Store) ListProviders(ctx context.Context) ([]common.Address, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listProvidersSQL)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	providers := make([]common.Address, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		providers = append(providers, common.BytesToAddress(raw))
	}
	return providers, rows.Err()
}

// CurrentBatch reads the current batch row.
func (s *Store) CurrentBatch(ctx context.Context) (Batch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	var id int64
	var openedAt, closedAt *time.Time
	if err := pool.QueryRow(ctx, selectCurrentBatchSQL).Scan(&id, &batch.Open, &openedAt, &closedAt); err != nil {
		return Batch{}, fmt.Errorf("read current batch: %w", err)
	}
	batch.ID = uint64(id)
	batch.OpenedAt = openedAt
	batch.ClosedAt = closedAt
	return batch, nil
}

// OpenCurrentBatch marks the current batch open if it is closed.
func (s *Store) OpenCurrentBatch(ctx context.Context, at time.Time, ev Event) (Batch, error) {
	var opened Batch
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, openCurrentBatchSQL, at).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConflict
			}
			return fmt.Errorf("open batch: %w", err)
		}
		openedAt := at
		opened = Batch{ID: uint64(id), Open: true, OpenedAt: &openedAt}
		return appendEventTx(ctx, tx, ev)
	})
	return opened, err
}

// CloseCurrentBatch closes the current batch and advances the counter; the
// successor batch starts closed.
func (s *Store) CloseCurrentBatch(ctx context.Context, at time.Time, ev Event) (Batch, error) {
	var next Batch
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, closeCurrentBatchSQL, at).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConflict
			}
			return fmt.Errorf("close batch: %w", err)
		}

		nextID := id + 1
		if _, err := tx.Exec(ctx, insertBatchSQL, nextID); err != nil {
			return fmt.Errorf("insert next batch: %w", err)
		}
		if _, err := tx.Exec(ctx, advanceCurrentBatchSQL, nextID); err != nil {
			return fmt.Errorf("advance current batch: %w", err)
		}

		next = Batch{ID: uint64(nextID), Open: false}
		return appendEventTx(ctx, tx, ev)
	})
	return next, err
}

// SaveDeal writes the deal, registers its handles, stamps the provider's
// submission cooldown and appends the event in one transaction.
func (s *Store) SaveDeal(ctx context.Context, deal Deal, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertDealSQL,
			int64(deal.BatchID),
			int64(deal.DealID),
			deal.Provider.Bytes(),
			deal.AmountCt.Bytes(),
			deal.PriceCt.Bytes(),
			deal.BuyerCt.Bytes(),
			deal.SellerCt.Bytes(),
			deal.ConditionCt.Bytes(),
			string(deal.Status),
			deal.SubmittedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert deal: %w", err)
		}

		for _, h := range deal.Handles() {
			if _, err := tx.Exec(ctx, insertHandleSQL, h.Bytes(), int64(deal.BatchID), int64(deal.DealID), deal.SubmittedAt); err != nil {
				if isUniqueViolation(err) {
					return ErrHandleRegistered
				}
				return fmt.Errorf("register handle: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, upsertCooldownSQL, deal.Provider.Bytes(), string(CooldownSubmission), deal.SubmittedAt); err != nil {
			return fmt.Errorf("stamp submission cooldown: %w", err)
		}

		return appendEventTx(ctx, tx, ev)
	})
}

// GetDeal loads one deal record.
func (s *Store) GetDeal(ctx context.Context, batchID, dealID uint64) (Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return Deal{}, err
	}
	return scanDeal(pool.QueryRow(ctx, selectDealSQL, int64(batchID), int64(dealID)))
}

// ListRecentDeals lists the most recently submitted deals.
func (s *Store) ListRecentDeals(ctx context.Context, limit int) ([]Deal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentDealsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deals: %w", err)
	}
	defer rows.Close()

	deals := make([]Deal, 0, limit)
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

// KnownHandles returns the subset of the supplied handles already registered.
func (s *Store) KnownHandles(ctx context.Context, handles []fhe.Handle) ([]fhe.Handle, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, len(handles))
	for i, h := range handles {
		raw[i] = h.Bytes()
	}

	rows, err := pool.Query(ctx, knownHandlesSQL, raw)
	if err != nil {
		return nil, fmt.Errorf("check handles: %w", err)
	}
	defer rows.Close()

	known := make([]fhe.Handle, 0)
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		h, err := fhe.HandleFromBytes(b)
		if err != nil {
			return nil, err
		}
		known = append(known, h)
	}
	return known, rows.Err()
}

// LastAction reads a cooldown stamp.
func (s *Store) LastAction(ctx context.Context, addr common.Address, kind CooldownKind) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	if err := pool.QueryRow(ctx, selectCooldownSQL, addr.Bytes(), string(kind)).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read cooldown: %w", err)
	}
	return at, true, nil
}

// SaveRequest persists a pending decryption request and stamps the
// requester's settlement cooldown.
func (s *Store) SaveRequest(ctx context.Context, req DecryptionRequest, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertRequestSQL,
			int64(req.RequestID),
			int64(req.BatchID),
			int64(req.DealID),
			req.Requester.Bytes(),
			req.StateHash.Bytes(),
			string(req.Status),
			req.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert request: %w", err)
		}

		if _, err := tx.Exec(ctx, upsertCooldownSQL, req.Requester.Bytes(), string(CooldownSettlement), req.CreatedAt); err != nil {
			return fmt.Errorf("stamp settlement cooldown: %w", err)
		}

		return appendEventTx(ctx, tx, ev)
	})
}

// GetRequest loads one decryption request.
func (s *Store) GetRequest(ctx context.Context, requestID uint64) (DecryptionRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return DecryptionRequest{}, err
	}
	return scanRequest(pool.QueryRow(ctx, selectRequestSQL, int64(requestID)))
}

// FinalizeRequest flips a pending request to processed, applies the terminal
// deal status and appends the supplied events, all in one transaction.
func (s *Store) FinalizeRequest(ctx context.Context, requestID uint64, status DealStatus, amount decimal.Decimal, settled bool, at time.Time, evs []Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var batchID, dealID int64
		err := tx.QueryRow(ctx, markRequestProcessedSQL,
			int64(requestID), string(RequestProcessed), at, string(RequestPending),
		).Scan(&batchID, &dealID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotPending
			}
			return fmt.Errorf("mark request processed: %w", err)
		}

		if _, err := tx.Exec(ctx, settleDealSQL, batchID, dealID, string(status), amount.String(), at); err != nil {
			return fmt.Errorf("apply deal status: %w", err)
		}

		for _, ev := range evs {
			if err := appendEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpireRequest flips a pending request to expired.
func (s *Store) ExpireRequest(ctx context.Context, requestID uint64, at time.Time, ev Event) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var batchID, dealID int64
		err := tx.QueryRow(ctx, markRequestProcessedSQL,
			int64(requestID), string(RequestExpired), at, string(RequestPending),
		).Scan(&batchID, &dealID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotPending
			}
			return fmt.Errorf("mark request expired: %w", err)
		}
		return appendEventTx(ctx, tx, ev)
	})
}

// ListPendingBefore lists pending requests created before the cutoff.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]DecryptionRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPendingBeforeSQL, string(RequestPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListRecentRequests lists the most recent requests.
func (s *Store) ListRecentRequests(ctx context.Context, limit int) ([]DecryptionRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentRequestsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent requests: %w", err)
	}
	defer rows.Close()

	return collectRequests(rows)
}

// ListRecentEvents lists the newest audit events first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEventsBetween lists events within a time window in emission order.
func (s *Store) ListEventsBetween(ctx context.Context, from, to time.Time) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listEventsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list events between: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (Deal, error) {
	var (
		batchID, dealID int64
		provider        []byte
		cts             [5][]byte
		status          string
		submittedAt     time.Time
		settledAmount   *string
		settledAt       *time.Time
	)

	if err := row.Scan(
		&batchID, &dealID, &provider,
		&cts[0], &cts[1], &cts[2], &cts[3], &cts[4],
		&status, &submittedAt, &settledAmount, &settledAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, err
	}

	deal := Deal{
		BatchID:     uint64(batchID),
		DealID:      uint64(dealID),
		Provider:    common.BytesToAddress(provider),
		Status:      DealStatus(status),
		SubmittedAt: submittedAt,
		SettledAt:   settledAt,
	}

	handles := make([]fhe.Handle, 5)
	for i, ct := range cts {
		h, err := fhe.HandleFromBytes(ct)
		if err != nil {
			return Deal{}, fmt.Errorf("decode stored handle: %w", err)
		}
		handles[i] = h
	}
	deal.AmountCt, deal.PriceCt, deal.BuyerCt, deal.SellerCt, deal.ConditionCt = handles[0], handles[1], handles[2], handles[3], handles[4]

	if settledAmount != nil {
		amount, err := decimal.NewFromString(*settledAmount)
		if err != nil {
			return Deal{}, fmt.Errorf("parse settled amount: %w", err)
		}
		deal.SettledAmount = &amount
	}

	return deal, nil
}

func scanRequest(row rowScanner) (DecryptionRequest, error) {
	var (
		requestID, batchID, dealID int64
		requester, stateHash       []byte
		status                     string
		createdAt                  time.Time
		processedAt                *time.Time
	)

	if err := row.Scan(&requestID, &batchID, &dealID, &requester, &stateHash, &status, &createdAt, &processedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DecryptionRequest{}, ErrNotFound
		}
		return DecryptionRequest{}, err
	}

	return DecryptionRequest{
		RequestID:   uint64(requestID),
		BatchID:     uint64(batchID),
		DealID:      uint64(dealID),
		Requester:   common.BytesToAddress(requester),
		StateHash:   common.BytesToHash(stateHash),
		Status:      RequestStatus(status),
		CreatedAt:   createdAt,
		ProcessedAt: processedAt,
	}, nil
}

func collectRequests(rows pgx.Rows) ([]DecryptionRequest, error) {
	requests := make([]DecryptionRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		var (
			ev        Event
			actor     []byte
			amountStr *string
		)
		if err := rows.Scan(
			&ev.ID, &ev.Kind, &actor,
			&ev.BatchID, &ev.DealID, &ev.RequestID,
			&amountStr, &ev.Settled, &ev.Detail, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(actor) > 0 {
			addr := common.BytesToAddress(actor)
			ev.Actor = &addr
		}
		if amountStr != nil {
			amount, err := decimal.NewFromString(*amountStr)
			if err != nil {
				return nil, fmt.Errorf("parse event amount: %w", err)
			}
			ev.Amount = &amount
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

var _ Ledger = (*Store)(nil)
