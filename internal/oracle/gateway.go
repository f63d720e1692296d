package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"confidential-settlement/internal/fhe"
)

const decryptPath = "/v1/decrypt"

// GatewayOptions parameterise the HTTP decryption gateway client.
type GatewayOptions struct {
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
	UserAgent   string
}

// HTTPGateway submits decryption requests to the oracle's JSON API.
type HTTPGateway struct {
	opts    GatewayOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPGateway constructs a gateway client.
func NewHTTPGateway(opts GatewayOptions, logger zerolog.Logger) *HTTPGateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPGateway{
		opts:    opts,
		logger:  logger.With().Str("component", "oracle_gateway").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type decryptRequest struct {
	Handles     []string `json:"handles"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
}

type decryptResponse struct {
	RequestID uint64 `json:"requestId"`
}

type gatewayError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// RequestDecryption submits an ordered handle list for decryption and
// returns the oracle-assigned request id.
func (g *HTTPGateway) RequestDecryption(ctx context.Context, handles []fhe.Handle) (uint64, error) {
	if g.baseURL == "" {
		return 0, errors.New("oracle base url not configured")
	}
	if len(handles) == 0 {
		return 0, errors.New("no handles to decrypt")
	}

	hexHandles := make([]string, len(handles))
	for i, h := range handles {
		if h.IsZero() {
			return 0, errors.New("cannot request decryption of zero handle")
		}
		hexHandles[i] = h.Hex()
	}

	body, err := json.Marshal(decryptRequest{Handles: hexHandles, CallbackURL: g.opts.CallbackURL})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+decryptPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return 0, parseGatewayError(resp.StatusCode, payloadBytes)
	}

	var res decryptResponse
	if err := json.Unmarshal(payloadBytes, &res); err != nil {
		return 0, fmt.Errorf("decode gateway response: %w", err)
	}
	if res.RequestID == 0 {
		return 0, errors.New("gateway returned zero request id")
	}

	g.logger.Debug().Uint64("request_id", res.RequestID).Int("handles", len(handles)).Msg("decryption requested")
	return res.RequestID, nil
}

func parseGatewayError(status int, payload []byte) error {
	var apiErr gatewayError
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("oracle gateway error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("oracle gateway error (%d): %s", status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("oracle gateway error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("oracle gateway error (%d)", status)
}

var _ Gateway = (*HTTPGateway)(nil)
