package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"confidential-settlement/internal/engine"
	"confidential-settlement/internal/fhe"
	"confidential-settlement/internal/oracle"
	"confidential-settlement/internal/storage"
)

type hashCoprocessor struct{}

func (hashCoprocessor) derive(op byte, parts ...[]byte) fhe.Handle {
	material := []byte{op}
	for _, p := range parts {
		material = append(material, p...)
	}
	var h fhe.Handle
	copy(h[:], crypto.Keccak256(material))
	return h
}

func (c hashCoprocessor) Multiply(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return c.derive(0x01, a.Bytes(), b.Bytes()), nil
}

func (c hashCoprocessor) GreaterOrEqual(_ context.Context, a, b fhe.Handle) (fhe.Handle, error) {
	return c.derive(0x02, a.Bytes(), b.Bytes()), nil
}

func (c hashCoprocessor) EncryptUint64(_ context.Context, v uint64) (fhe.Handle, error) {
	return c.derive(0x03, binary.BigEndian.AppendUint64(nil, v)), nil
}

type seqGateway struct {
	next uint64
}

func (g *seqGateway) RequestDecryption(context.Context, []fhe.Handle) (uint64, error) {
	g.next++
	return g.next, nil
}

type apiRig struct {
	server      *httptest.Server
	engine      *engine.Engine
	ownerKey    *ecdsa.PrivateKey
	providerKey *ecdsa.PrivateKey
	oracleKey   *ecdsa.PrivateKey
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	ownerKey, _ := crypto.GenerateKey()
	providerKey, _ := crypto.GenerateKey()
	oracleKey, _ := crypto.GenerateKey()

	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	provider := crypto.PubkeyToAddress(providerKey.PublicKey)
	identity := crypto.PubkeyToAddress(ownerKey.PublicKey)

	eng := engine.New(
		engine.Params{Owner: owner, Identity: identity, RequestTTL: time.Hour},
		storage.NewMemStore(0),
		fhe.NewAdapter(hashCoprocessor{}, identity),
		&seqGateway{},
		oracle.NewECDSAVerifier(identity, crypto.PubkeyToAddress(oracleKey.PublicKey)),
		nil,
		zerolog.Nop(),
	)

	ctx := context.Background()
	if err := eng.AddProvider(ctx, owner, provider); err != nil {
		t.Fatalf("add provider: %v", err)
	}
	if _, err := eng.OpenBatch(ctx, owner); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	srv := httptest.NewServer(NewHandler(eng, zerolog.Nop()))
	t.Cleanup(srv.Close)

	return &apiRig{
		server:      srv,
		engine:      eng,
		ownerKey:    ownerKey,
		providerKey: providerKey,
		oracleKey:   oracleKey,
	}
}

func (r *apiRig) signedRequest(t *testing.T, key *ecdsa.PrivateKey, method, path string, payload any) *http.Response {
	t.Helper()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}

	sig, err := crypto.Sign(crypto.Keccak256(body), key)
	if err != nil {
		t.Fatalf("sign body: %v", err)
	}

	req, err := http.NewRequest(method, r.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", hexutil.Encode(sig))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func (r *apiRig) submitDealPayload(seed byte) map[string]any {
	handle := func(offset byte) string {
		var h fhe.Handle
		h[0] = seed + offset
		h[31] = seed + offset
		return h.Hex()
	}
	return map[string]any{
		"dealId":      uint64(seed),
		"amountCt":    handle(0),
		"priceCt":     handle(1),
		"buyerCt":     handle(2),
		"sellerCt":    handle(3),
		"conditionCt": handle(4),
	}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitDealRequiresSignature(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Post(rig.server.URL+"/v1/deals", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSubmitDealRejectsNonProvider(t *testing.T) {
	rig := newAPIRig(t)

	strangerKey, _ := crypto.GenerateKey()
	resp := rig.signedRequest(t, strangerKey, http.MethodPost, "/v1/deals", rig.submitDealPayload(10))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	var body map[string]string
	decodeBody(t, resp, &body)
	if body["condition"] != "NotProvider" {
		t.Fatalf("expected NotProvider condition, got %q", body["condition"])
	}
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.signedRequest(t, rig.providerKey, http.MethodPost, "/v1/deals", rig.submitDealPayload(10))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit deal: expected 201, got %d", resp.StatusCode)
	}
	var deal dealJSON
	decodeBody(t, resp, &deal)
	if deal.Status != string(storage.DealFunded) {
		t.Fatalf("expected funded deal, got %s", deal.Status)
	}

	resp = rig.signedRequest(t, rig.providerKey, http.MethodPost, "/v1/settlements",
		map[string]any{"dealId": deal.DealID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("request settlement: expected 202, got %d", resp.StatusCode)
	}
	var req requestJSON
	decodeBody(t, resp, &req)

	cleartexts, err := oracle.EncodeSettlementResult(big.NewInt(5000), true)
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	proof, err := oracle.Sign(rig.oracleKey, rig.engine.Identity(), req.RequestID, cleartexts)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	callback := map[string]any{
		"requestId":  req.RequestID,
		"cleartexts": hexutil.Encode(cleartexts),
		"proof":      hexutil.Encode(proof),
	}
	callbackBody, _ := json.Marshal(callback)

	post := func() *http.Response {
		resp, err := http.Post(rig.server.URL+"/v1/oracle/callback", "application/json", bytes.NewReader(callbackBody))
		if err != nil {
			t.Fatalf("post callback: %v", err)
		}
		return resp
	}

	resp = post()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d", resp.StatusCode)
	}
	var settled dealJSON
	decodeBody(t, resp, &settled)
	if settled.Status != string(storage.DealSettled) {
		t.Fatalf("expected settled deal, got %s", settled.Status)
	}
	if settled.SettledAmount == nil || *settled.SettledAmount != "5000" {
		t.Fatalf("expected settled amount 5000, got %v", settled.SettledAmount)
	}

	// Replaying the identical callback must be rejected.
	resp = post()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", resp.StatusCode)
	}
	var rejection map[string]string
	decodeBody(t, resp, &rejection)
	if rejection["condition"] != "ReplayAttempt" {
		t.Fatalf("expected ReplayAttempt condition, got %q", rejection["condition"])
	}

	resp, err = http.Get(fmt.Sprintf("%s/v1/deals/%d/%d", rig.server.URL, deal.BatchID, deal.DealID))
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	var stored dealJSON
	decodeBody(t, resp, &stored)
	if stored.Status != string(storage.DealSettled) {
		t.Fatalf("stored deal should be settled, got %s", stored.Status)
	}
}

func TestPauseAdministration(t *testing.T) {
	rig := newAPIRig(t)

	strangerKey, _ := crypto.GenerateKey()
	resp := rig.signedRequest(t, strangerKey, http.MethodPost, "/v1/pause", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger pause: expected 403, got %d", resp.StatusCode)
	}

	resp = rig.signedRequest(t, rig.ownerKey, http.MethodPost, "/v1/pause", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("owner pause: expected 204, got %d", resp.StatusCode)
	}

	resp = rig.signedRequest(t, rig.providerKey, http.MethodPost, "/v1/deals", rig.submitDealPayload(10))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("submit while paused: expected 409, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["condition"] != "Paused" {
		t.Fatalf("expected Paused condition, got %q", body["condition"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	resp, err := http.Get(rig.server.URL + "/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var status struct {
		Owner  string    `json:"owner"`
		Paused bool      `json:"paused"`
		Batch  batchJSON `json:"batch"`
	}
	decodeBody(t, resp, &status)

	if status.Owner != crypto.PubkeyToAddress(rig.ownerKey.PublicKey).Hex() {
		t.Fatalf("unexpected owner %s", status.Owner)
	}
	if status.Paused {
		t.Fatal("engine should not start paused")
	}
	if !status.Batch.Open {
		t.Fatal("batch should be open")
	}
}
