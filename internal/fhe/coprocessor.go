package fhe

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
)

const computePath = "/v1/compute"

// CoprocessorOptions parameterise the HTTP coprocessor client.
type CoprocessorOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPCoprocessor talks to an out-of-process homomorphic coprocessor over
// its JSON API.
type HTTPCoprocessor struct {
	opts    CoprocessorOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPCoprocessor constructs a coprocessor client.
func NewHTTPCoprocessor(opts CoprocessorOptions, logger zerolog.Logger) *HTTPCoprocessor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPCoprocessor{
		opts:    opts,
		logger:  logger.With().Str("component", "coprocessor").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type computeRequest struct {
	Op    string `json:"op"`
	A     string `json:"a,omitempty"`
	B     string `json:"b,omitempty"`
	Value uint64 `json:"value,omitempty"`
}

type computeResponse struct {
	Handle string `json:"handle"`
}

type coprocessorError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Multiply returns the handle of the homomorphic product.
func (c *HTTPCoprocessor) Multiply(ctx context.Context, a, b Handle) (Handle, error) {
	return c.binaryOp(ctx, "mul", a, b)
}

// GreaterOrEqual returns the handle of the encrypted comparison verdict.
func (c *HTTPCoprocessor) GreaterOrEqual(ctx context.Context, a, b Handle) (Handle, error) {
	return c.binaryOp(ctx, "ge", a, b)
}

// EncryptUint64 asks the coprocessor for a trivial encryption of a public value.
func (c *HTTPCoprocessor) EncryptUint64(ctx context.Context, v uint64) (Handle, error) {
	return c.compute(ctx, computeRequest{Op: "encrypt_u64", Value: v})
}

func (c *HTTPCoprocessor) binaryOp(ctx context.Context, op string, a, b Handle) (Handle, error) {
	if a.IsZero() || b.IsZero() {
		return ZeroHandle, errors.New("coprocessor operands must be non-zero handles")
	}
	return c.compute(ctx, computeRequest{Op: op, A: a.Hex(), B: b.Hex()})
}

func (c *HTTPCoprocessor) compute(ctx context.Context, payload computeRequest) (Handle, error) {
	if c.baseURL == "" {
		return ZeroHandle, errors.New("coprocessor base url not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ZeroHandle, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+computePath, bytes.NewReader(body))
	if err != nil {
		return ZeroHandle, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ZeroHandle, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ZeroHandle, err
	}

	if resp.StatusCode != http.StatusOK {
		return ZeroHandle, parseComputeError(resp.StatusCode, payloadBytes)
	}

	var res computeResponse
	if err := json.Unmarshal(payloadBytes, &res); err != nil {
		return ZeroHandle, fmt.Errorf("decode coprocessor response: %w", err)
	}

	handle, err := HandleFromHex(res.Handle)
	if err != nil {
		return ZeroHandle, fmt.Errorf("coprocessor returned malformed handle: %w", err)
	}
	if handle.IsZero() {
		return ZeroHandle, errors.New("coprocessor returned zero handle")
	}

	return handle, nil
}

func parseComputeError(status int, payload []byte) error {
	var apiErr coprocessorError
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("coprocessor error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("coprocessor error (%d): %s", status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coprocessor error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coprocessor error (%d)", status)
}

var _ Coprocessor = (*HTTPCoprocessor)(nil)
