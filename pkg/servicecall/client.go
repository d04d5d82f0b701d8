// Package servicecall implements the outbound HTTP call to a backend AI
// service for a single pipeline step, classifying every failure mode into
// the taxonomy the orchestrator acts on.
package servicecall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/telemetry"
)

// Client issues envelope calls to backend services described by a catalog.
type Client struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	internalAPIKey string
}

// New creates a Client. connectTimeout bounds dialing; readTimeout is the
// ceiling applied on top of each call's own configured service timeout.
func New(connectTimeout, readTimeout time.Duration, internalAPIKey string) *Client {
	return &Client{connectTimeout: connectTimeout, readTimeout: readTimeout, internalAPIKey: internalAPIKey}
}

// Call posts envelope to svc and classifies the result. The effective read
// deadline is min(svc's configured timeout, the client's configured ceiling).
func (c *Client) Call(ctx context.Context, svc catalog.Service, envelope Envelope) (*Result, error) {
	ctx, span := telemetry.Tracer("servicecall").Start(ctx, "stepflow.service_call")
	defer span.End()

	readTimeout := timeoutMin(svc.Timeout(), c.readTimeout)

	httpClient := &http.Client{
		Timeout: c.connectTimeout + readTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: c.connectTimeout}).DialContext,
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	url := svc.BaseURL + svc.ExecutePath
	idempotencyKey := fmt.Sprintf("%s:%d:%s", envelope.Meta.JobID, envelope.Meta.StepIndex, envelope.Meta.ServiceName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	applyHeaders(req, svc, idempotencyKey, c.internalAPIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, newError(CodeServiceTimeout, err.Error(), true)
		}
		return nil, newError(CodeServiceUnreachable, err.Error(), true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(CodeBadResponse, fmt.Sprintf("reading response body: %v", err), true)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPError(resp.StatusCode, raw)
	}

	return classifySuccess(raw)
}

func applyHeaders(req *http.Request, svc catalog.Service, idempotencyKey, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	if apiKey == "" {
		return
	}
	switch svc.Auth.Type {
	case catalog.AuthAPIKeyHeader:
		header := svc.Auth.Header
		if header == "" {
			header = "X-Internal-Key"
		}
		req.Header.Set(header, apiKey)
	case catalog.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// classifyHTTPError maps a non-2xx HTTP response to a business error,
// preferring the structured error body when present.
func classifyHTTPError(status int, raw []byte) *Error {
	var body responseBody
	hasBody := json.Unmarshal(raw, &body) == nil

	if hasBody && body.Status == "FAILED" && body.Error != nil {
		retryable := status >= 500
		if body.Error.Retryable != nil {
			retryable = *body.Error.Retryable
		}
		code := body.Error.Code
		if code == "" {
			code = CodeServiceHTTPError
		}
		message := body.Error.Message
		if message == "" {
			message = fmt.Sprintf("HTTP %d", status)
		}

		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			code = CodeResourceExhausted
			retryable = true
		}
		return newError(code, message, retryable)
	}

	code := CodeServiceHTTPError
	retryable := status >= 500
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		code = CodeResourceExhausted
		retryable = true
	}
	return newError(code, fmt.Sprintf("service returned HTTP %d", status), retryable)
}

// classifySuccess validates a 2xx response body against the expected
// success schema.
func classifySuccess(raw []byte) (*Result, error) {
	var body responseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, newError(CodeBadResponse, "service returned non-JSON", true)
	}

	if body.Status != "SUCCESS" {
		if body.Error != nil {
			retryable := true
			if body.Error.Retryable != nil {
				retryable = *body.Error.Retryable
			}
			code := body.Error.Code
			if code == "" {
				code = CodeServiceFailed
			}
			return nil, newError(code, body.Error.Message, retryable)
		}
		return nil, newError(CodeServiceFailed, "service reported failure with no error detail", true)
	}

	if body.Data == nil {
		return nil, newError(CodeBadResponse, "missing data object", true)
	}
	if !isJSONObject(*body.Data) {
		return nil, newError(CodeBadResponse, "data must be an object", true)
	}

	metrics := json.RawMessage(`{}`)
	if body.Metrics != nil {
		if !isJSONObject(*body.Metrics) {
			return nil, newError(CodeBadResponse, "metrics must be an object", true)
		}
		metrics = *body.Metrics
	}

	return &Result{Data: *body.Data, Metrics: metrics}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil
}

func timeoutMin(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
