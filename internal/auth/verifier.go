package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPVerifier verifies bearer credentials against the external identity
// provider's verification endpoint.
type HTTPVerifier struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPVerifier(endpoint string) *HTTPVerifier {
	return &HTTPVerifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (*Principal, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var verified verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
			return nil, fmt.Errorf("identity provider returned malformed body: %w", err)
		}
		if verified.UserID == "" {
			return nil, ErrInvalidToken
		}
		return &Principal{ID: verified.UserID, Email: verified.Email}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}
}
