package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ErrorType classifies an API response by status code (spec §4.5.2).
type ErrorType string

const (
	ErrAuthFailed      ErrorType = "auth_failed"
	ErrForbidden       ErrorType = "forbidden"
	ErrNotFound        ErrorType = "not_found"
	ErrConflict        ErrorType = "conflict"
	ErrValidation      ErrorType = "validation_error"
	ErrAPI             ErrorType = "api_error"
)

// APIError is the typed error surfaced for non-2xx responses.
type APIError struct {
	Type       ErrorType
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("k8s: %s (status %d): %s", e.Type, e.StatusCode, e.Body)
}

func classify(status int) ErrorType {
	switch {
	case status == 401:
		return ErrAuthFailed
	case status == 403:
		return ErrForbidden
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status == 422:
		return ErrValidation
	default:
		return ErrAPI
	}
}

func retryable(status int, err error) bool {
	if err != nil {
		return true // connection errors and timeouts are retryable
	}
	return status >= 500
}

var retryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Client is the hand-rolled HTTP client talking to the Kubernetes API
// server, with TLS trust setup from Auth and typed status-code mapping.
type Client struct {
	auth       *Auth
	httpClient *http.Client
	pollCount  metric.Int64Counter
}

// NewClient builds an *http.Client with TLS configured per auth: CA trust
// from CACert, bearer header or client-cert handshake depending on Method.
func NewClient(auth *Auth, pollCount metric.Int64Counter) (*Client, error) {
	tlsCfg := &tls.Config{}
	if len(auth.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(auth.CACert) {
			return nil, fmt.Errorf("k8s: invalid CA certificate data")
		}
		tlsCfg.RootCAs = pool
	}
	if auth.Method == AuthClientCert {
		cert, err := tls.X509KeyPair(auth.CertPEM, auth.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("k8s: invalid client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		auth:       auth,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		pollCount:  pollCount,
	}, nil
}

// Do encodes body as JSON (if non-nil), sends method/path with retry on
// 5xx/connection/timeout errors, and decodes the response into out.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		status, respBody, err := c.doOnce(ctx, method, path, body)
		if err == nil && status < 300 {
			if out != nil && len(respBody) > 0 {
				if uerr := json.Unmarshal(respBody, out); uerr != nil {
					return fmt.Errorf("k8s: decode response: %w", uerr)
				}
			}
			return nil
		}
		if err == nil {
			apiErr := &APIError{Type: classify(status), StatusCode: status, Body: string(respBody)}
			if !retryable(status, nil) || attempt == len(retryDelays) {
				return apiErr
			}
		} else {
			if !retryable(0, err) || attempt == len(retryDelays) {
				return fmt.Errorf("k8s: request failed: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	return fmt.Errorf("k8s: request failed after retries")
}

// DoRaw is identical to Do but returns the raw response body instead of
// JSON-decoding it, for endpoints (like pod logs) that reply text/plain.
func (c *Client) DoRaw(ctx context.Context, method, path string) ([]byte, error) {
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		status, respBody, err := c.doOnce(ctx, method, path, nil)
		if err == nil && status < 300 {
			return respBody, nil
		}
		if err == nil {
			apiErr := &APIError{Type: classify(status), StatusCode: status, Body: string(respBody)}
			if !retryable(status, nil) || attempt == len(retryDelays) {
				return nil, apiErr
			}
		} else {
			if !retryable(0, err) || attempt == len(retryDelays) {
				return nil, fmt.Errorf("k8s: request failed: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	return nil, fmt.Errorf("k8s: request failed after retries")
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.auth.APIURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth.Method == AuthBearer {
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
