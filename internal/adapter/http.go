package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Response headers read by HTTPAdapter.
const (
	HeaderTransactionID = "X-External-Transaction-Id"
	HeaderCostCents     = "X-Cost-Cents"
)

const maxResponseBytes = 1 << 20

// StatusError is returned for a non-2xx tool host response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tool host status %d: %s", e.Code, e.Message)
}

// HTTPAdapter posts the call input as canonical JSON to the contract's endpoint and
// decodes the response body as the call output.
type HTTPAdapter struct {
	contracts  registry.ContractRegistry
	httpClient *http.Client
}

// NewHTTPAdapter creates an adapter that resolves endpoints from contracts.
// A nil client gets a 30s overall timeout; the gate's contract timeout
// normally fires first.
func NewHTTPAdapter(contracts registry.ContractRegistry, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{contracts: contracts, httpClient: client}
}

func (a *HTTPAdapter) Invoke(ctx context.Context, call *Call) (*Result, error) {
	c, err := a.contracts.Lookup(call.Tool, call.Version)
	if err != nil {
		return nil, err
	}
	if c.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s@%s declares no endpoint", ErrNoAdapter, call.Tool, call.Version)
	}

	body, err := payload.Canonical(call.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal tool input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-tenant-id", call.TenantID)
	req.Header.Set("x-execution-id", call.ExecutionID)
	if call.CorrelationID != "" {
		req.Header.Set("x-correlation-id", call.CorrelationID)
	}
	if call.ExternalKey != nil {
		req.Header.Set(call.ExternalKey.Header, call.ExternalKey.Key)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool host: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: message}
	}

	out, err := payload.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	res := &Result{
		Output:                out,
		ExternalProvider:      c.ExternalProvider,
		ExternalTransactionID: resp.Header.Get(HeaderTransactionID),
	}
	if v := resp.Header.Get(HeaderCostCents); v != "" {
		if cents, err := strconv.ParseInt(v, 10, 64); err == nil {
			res.CostCents = cents
		}
	}
	return res, nil
}
