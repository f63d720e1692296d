// Package httpapi exposes the settlement engine over REST. Mutating
// endpoints authenticate the caller through an X-Signature header: a
// secp256k1 signature over the keccak256 hash of the request body, from
// which the acting address is recovered. The oracle callback endpoint is
// unauthenticated at the transport level; the proof inside the payload is
// its authentication.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"confidential-settlement/internal/engine"
	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/storage"
)

const maxBodyBytes = 1 << 20

var errMissingSignature = errors.New("missing or malformed X-Signature header")

// Handler bundles the HTTP endpoints over the engine.
type Handler struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// NewHandler returns a mux exposing the settlement REST API.
func NewHandler(eng *engine.Engine, logger zerolog.Logger) http.Handler {
	h := &Handler{engine: eng, logger: logger.With().Str("component", "httpapi").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)

	mux.HandleFunc("POST /v1/deals", h.submitDeal)
	mux.HandleFunc("GET /v1/deals", h.listDeals)
	mux.HandleFunc("GET /v1/deals/{batchID}/{dealID}", h.getDeal)

	mux.HandleFunc("POST /v1/settlements", h.requestSettlement)
	mux.HandleFunc("POST /v1/oracle/callback", h.oracleCallback)
	mux.HandleFunc("GET /v1/requests", h.listRequests)
	mux.HandleFunc("GET /v1/requests/{requestID}", h.getRequest)

	mux.HandleFunc("GET /v1/batch", h.currentBatch)
	mux.HandleFunc("POST /v1/batch/open", h.openBatch)
	mux.HandleFunc("POST /v1/batch/close", h.closeBatch)

	mux.HandleFunc("GET /v1/providers", h.listProviders)
	mux.HandleFunc("POST /v1/providers", h.addProvider)
	mux.HandleFunc("DELETE /v1/providers/{address}", h.removeProvider)

	mux.HandleFunc("POST /v1/pause", h.pause)
	mux.HandleFunc("POST /v1/unpause", h.unpause)
	mux.HandleFunc("POST /v1/cooldown", h.setCooldown)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("GET /v1/events", h.listEvents)

	return mux
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submitDeal(w http.ResponseWriter, r *http.Request) {
	body, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var payload struct {
		DealID      uint64     `json:"dealId"`
		AmountCt    fhe.Handle `json:"amountCt"`
		PriceCt     fhe.Handle `json:"priceCt"`
		BuyerCt     fhe.Handle `json:"buyerCt"`
		SellerCt    fhe.Handle `json:"sellerCt"`
		ConditionCt fhe.Handle `json:"conditionCt"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	deal, err := h.engine.SubmitDeal(r.Context(), actor, payload.DealID,
		payload.AmountCt, payload.PriceCt, payload.BuyerCt, payload.SellerCt, payload.ConditionCt)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dealResponse(deal))
}

func (h *Handler) getDeal(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseUint(r.PathValue("batchID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid batch id"))
		return
	}
	dealID, err := strconv.ParseUint(r.PathValue("dealID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deal id"))
		return
	}

	deal, err := h.engine.GetDeal(r.Context(), batchID, dealID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse(deal))
}

func (h *Handler) listDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := h.engine.ListRecentDeals(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]dealJSON, 0, len(deals))
	for _, d := range deals {
		out = append(out, dealResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) requestSettlement(w http.ResponseWriter, r *http.Request) {
	body, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var payload struct {
		DealID uint64 `json:"dealId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.engine.RequestSettlement(r.Context(), actor, payload.DealID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, requestResponse(req))
}

func (h *Handler) oracleCallback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RequestID  uint64        `json:"requestId"`
		Cleartexts hexutil.Bytes `json:"cleartexts"`
		Proof      hexutil.Bytes `json:"proof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cb := oracle.Callback{
		RequestID:  payload.RequestID,
		Cleartexts: payload.Cleartexts,
		Proof:      payload.Proof,
	}
	deal, err := h.engine.HandleDecryptionCallback(r.Context(), cb)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse(deal))
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := strconv.ParseUint(r.PathValue("requestID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request id"))
		return
	}

	req, err := h.engine.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestResponse(req))
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.engine.ListRecentRequests(r.Context(), queryLimit(r, 50))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]requestJSON, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, requestResponse(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) currentBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.engine.CurrentBatch(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(batch))
}

func (h *Handler) openBatch(w http.ResponseWriter, r *http.Request) {
	_, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	batch, err := h.engine.OpenBatch(r.Context(), actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(batch))
}

func (h *Handler) closeBatch(w http.ResponseWriter, r *http.Request) {
	_, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	batch, err := h.engine.CloseBatch(r.Context(), actor)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(batch))
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.engine.ListProviders(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Hex())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) addProvider(w http.ResponseWriter, r *http.Request) {
	body, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var payload struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(payload.Address) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid provider address"))
		return
	}

	if err := h.engine.AddProvider(r.Context(), actor, common.HexToAddress(payload.Address)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeProvider(w http.ResponseWriter, r *http.Request) {
	_, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid provider address"))
		return
	}

	if err := h.engine.RemoveProvider(r.Context(), actor, common.HexToAddress(raw)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	_, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := h.engine.Pause(r.Context(), actor); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unpause(w http.ResponseWriter, r *http.Request) {
	_, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := h.engine.Unpause(r.Context(), actor); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setCooldown(w http.ResponseWriter, r *http.Request) {
	body, actor, err := readSignedBody(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var payload struct {
		Seconds uint64 `json:"seconds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.engine.SetCooldownSeconds(r.Context(), actor, payload.Seconds); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	settings, err := h.engine.Settings(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	batch, err := h.engine.CurrentBatch(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":           h.engine.Owner().Hex(),
		"identity":        h.engine.Identity().Hex(),
		"paused":          settings.Paused,
		"cooldownSeconds": settings.CooldownSeconds,
		"batch":           batchResponse(batch),
	})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.ListRecentEvents(r.Context(), queryLimit(r, 100))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// readSignedBody reads the request body and recovers the acting address
// from the X-Signature header, a 65-byte secp256k1 signature over the
// keccak256 hash of the exact body bytes.
func readSignedBody(r *http.Request) ([]byte, common.Address, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("read request body: %w", err)
	}

	sig, err := hexutil.Decode(r.Header.Get("X-Signature"))
	if err != nil || len(sig) != oracle.ProofLen {
		return nil, common.Address{}, errMissingSignature
	}

	pub, err := crypto.SigToPub(crypto.Keccak256(body), sig)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return body, crypto.PubkeyToAddress(*pub), nil
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	condition := engine.Condition(err)
	status := statusFor(condition)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":     err.Error(),
		"condition": condition,
	})
}

func statusFor(condition string) int {
	switch condition {
	case "NotOwner", "NotProvider":
		return http.StatusForbidden
	case "InvalidProof":
		return http.StatusUnauthorized
	case "CooldownActive":
		return http.StatusTooManyRequests
	case "InvalidArgument":
		return http.StatusBadRequest
	case "NotInitialized", "RequestNotFound":
		return http.StatusNotFound
	case "RequestExpired":
		return http.StatusGone
	case "Paused", "BatchNotOpen", "BatchAlreadyOpen", "DealExists",
		"AlreadyInitialized", "ReplayAttempt", "StateMismatch":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

type dealJSON struct {
	BatchID       uint64     `json:"batchId"`
	DealID        uint64     `json:"dealId"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	SettledAmount *string    `json:"settledAmount,omitempty"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

func dealResponse(d storage.Deal) dealJSON {
	out := dealJSON{
		BatchID:     d.BatchID,
		DealID:      d.DealID,
		Provider:    d.Provider.Hex(),
		Status:      string(d.Status),
		SubmittedAt: d.SubmittedAt,
		SettledAt:   d.SettledAt,
	}
	if d.SettledAmount != nil {
		amount := d.SettledAmount.String()
		out.SettledAmount = &amount
	}
	return out
}

type requestJSON struct {
	RequestID   uint64     `json:"requestId"`
	BatchID     uint64     `json:"batchId"`
	DealID      uint64     `json:"dealId"`
	Requester   string     `json:"requester"`
	StateHash   string     `json:"stateHash"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

func requestResponse(req storage.DecryptionRequest) requestJSON {
	return requestJSON{
		RequestID:   req.RequestID,
		BatchID:     req.BatchID,
		DealID:      req.DealID,
		Requester:   req.Requester.Hex(),
		StateHash:   req.StateHash.Hex(),
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt,
		ProcessedAt: req.ProcessedAt,
	}
}

type batchJSON struct {
	ID       uint64     `json:"id"`
	Open     bool       `json:"open"`
	OpenedAt *time.Time `json:"openedAt,omitempty"`
	ClosedAt *time.Time `json:"closedAt,omitempty"`
}

func batchResponse(b storage.Batch) batchJSON {
	return batchJSON{ID: b.ID, Open: b.Open, OpenedAt: b.OpenedAt, ClosedAt: b.ClosedAt}
}

type eventJSON struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Actor     *string   `json:"actor,omitempty"`
	BatchID   *uint64   `json:"batchId,omitempty"`
	DealID    *uint64   `json:"dealId,omitempty"`
	RequestID *uint64   `json:"requestId,omitempty"`
	Amount    *string   `json:"amount,omitempty"`
	Settled   *bool     `json:"settled,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func eventResponse(ev storage.Event) eventJSON {
	out := eventJSON{
		ID:        ev.ID,
		Kind:      ev.Kind,
		BatchID:   ev.BatchID,
		DealID:    ev.DealID,
		RequestID: ev.RequestID,
		Settled:   ev.Settled,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	}
	if ev.Actor != nil {
		actor := ev.Actor.Hex()
		out.Actor = &actor
	}
	if ev.Amount != nil {
		amount := ev.Amount.String()
		out.Amount = &amount
	}
	return out
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
