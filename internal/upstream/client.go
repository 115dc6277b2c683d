// Package upstream forwards requests to the Gemini HTTP API and normalizes
// its failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/llmgate/gemini-proxy/internal/apierror"
)

const userAgent = "gemini-proxy/0.1.0"

const (
	generateTimeout = 60 * time.Second
	metadataTimeout = 30 * time.Second
	streamTimeout   = 120 * time.Second
)

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breakers   map[string]*gobreaker.CircuitBreaker
}

func New(apiKey, baseURL string) *Client {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, class := range []string{"generation", "metadata"} {
		settings := gobreaker.Settings{
			Name:        class,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[class] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		breakers:   breakers,
	}
}

// Result is a buffered provider response. It is returned alongside the
// normalized error on provider-reported failures so callers can still mine
// the body for usage data.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

func timeoutFor(op Operation) time.Duration {
	switch op {
	case OpStream:
		return streamTimeout
	case OpCountTokens, OpListModels:
		return metadataTimeout
	default:
		return generateTimeout
	}
}

func breakerClass(op Operation) string {
	switch op {
	case OpCountTokens, OpListModels:
		return "metadata"
	default:
		return "generation"
	}
}

func (c *Client) endpoint(model string, op Operation) string {
	q := url.Values{"key": {c.apiKey}}
	if op == OpListModels {
		return fmt.Sprintf("%s/v1beta/models?%s", c.baseURL, q.Encode())
	}
	if op == OpStream {
		q.Set("alt", "sse")
	}
	return fmt.Sprintf("%s/v1beta/models/%s:%s?%s", c.baseURL, url.PathEscape(model), op, q.Encode())
}

// copyInboundHeaders copies client headers onto the outbound request,
// dropping Host and Authorization, and stamps the proxy User-Agent.
func copyInboundHeaders(dst *http.Request, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Authorization":
			continue
		}
		for _, v := range values {
			dst.Header.Add(name, v)
		}
	}
	dst.Header.Set("User-Agent", userAgent)
}

// RelayHeaders copies provider response headers for the client, excluding
// Content-Encoding and Transfer-Encoding which would conflict with the
// proxy's own transport handling. Content-Length is recomputed by the
// server since augmentation can change the body.
func RelayHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Encoding", "Transfer-Encoding", "Content-Length":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// Do executes a buffered call. On a provider-reported failure both the
// Result and the normalized error are returned; on a network-level failure
// the Result is nil.
func (c *Client) Do(ctx context.Context, model string, op Operation, inbound http.Header, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(op))
	defer cancel()

	method := http.MethodPost
	if op == OpListModels {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint(model, op), reqBody)
	if err != nil {
		return nil, err
	}
	copyInboundHeaders(httpReq, inbound)
	if method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	cb := c.breakers[breakerClass(op)]
	value, err := cb.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, mapNetworkError(err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, mapNetworkError(err)
		}

		result := &Result{Status: resp.StatusCode, Header: resp.Header, Body: respBody}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return result, normalizeProviderError(resp.StatusCode, respBody)
		}
		return result, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = apierror.Connection(http.StatusServiceUnavailable, "upstream circuit open")
	}

	result, _ := value.(*Result)
	return result, err
}

// Stream opens a streaming call and returns the live response. The returned
// cancel must be called once the relay finishes; the body stays readable
// until then.
func (c *Client) Stream(ctx context.Context, model string, inbound http.Header, body []byte) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(model, OpStream), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	copyInboundHeaders(httpReq, inbound)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, mapNetworkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, normalizeProviderError(resp.StatusCode, respBody)
	}

	return resp, cancel, nil
}

// Passthrough forwards an arbitrary path verbatim with the API key attached,
// for the transparent-forwarding mode. The caller relays the live response.
func (c *Client) Passthrough(ctx context.Context, r *http.Request) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	query := r.URL.Query()
	query.Set("key", c.apiKey)
	target := fmt.Sprintf("%s%s?%s", c.baseURL, r.URL.EscapedPath(), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	copyInboundHeaders(httpReq, r.Header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, mapNetworkError(err)
	}
	return resp, cancel, nil
}

// mapNetworkError translates a transport failure into a ConnectionError with
// a status reflecting the underlying cause.
func mapNetworkError(err error) error {
	status := http.StatusInternalServerError

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		status = http.StatusGatewayTimeout
	default:
		var dnsErr *net.DNSError
		var opErr *net.OpError
		if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
			status = http.StatusServiceUnavailable
		}
	}

	return apierror.Connection(status, fmt.Sprintf("upstream unreachable: %v", err))
}

type providerErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// normalizeProviderError maps a non-2xx provider body into the normalized
// error shape, preserving the provider's status.
func normalizeProviderError(status int, body []byte) error {
	var parsed providerErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return apierror.Upstream(status, parsed.Error.Message, map[string]any{
			"code":   parsed.Error.Code,
			"status": parsed.Error.Status,
		})
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return apierror.Upstream(status, msg, nil)
}
