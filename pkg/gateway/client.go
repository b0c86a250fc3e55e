// Package gateway submits local evidence chains to a remote trustd for
// independent verification.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"qshield/pkg/evidence"
	"qshield/pkg/httpx"
	"qshield/pkg/models"

	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("gateway url not configured")

type Client struct {
	BaseURL     string
	AuthHeader  string
	AuthToken   string
	HTTP        *http.Client
	Limiter     *rate.Limiter
	RetryPolicy httpx.RetryPolicy
}

// NewClient allows perSec submissions per second with a burst of one.
func NewClient(baseURL string, httpClient *http.Client, perSec float64) *Client {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httpClient,
		Limiter: rate.NewLimiter(limit, 1),
	}
}

type verifyRequest struct {
	Records   []models.EvidenceRecord `json:"records"`
	ClientKey string                  `json:"clientKey"`
}

// VerifyChain asks the remote verifier to walk records.
func (c *Client) VerifyChain(ctx context.Context, records []models.EvidenceRecord, clientKey string) (evidence.Result, error) {
	var out evidence.Result
	if c.BaseURL == "" {
		return out, ErrNotConfigured
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("gateway rate limit: %w", err)
		}
	}
	body, err := json.Marshal(verifyRequest{Records: records, ClientKey: clientKey})
	if err != nil {
		return out, err
	}
	var headers map[string]string
	if c.AuthHeader != "" && c.AuthToken != "" {
		headers = map[string]string{c.AuthHeader: c.AuthToken}
	}
	reply, err := httpx.Do(ctx, c.HTTP, httpx.Call{
		Method:  http.MethodPost,
		URL:     c.BaseURL + "/v1/evidence/verify",
		Body:    body,
		Headers: headers,
	}, c.RetryPolicy)
	if err != nil {
		return out, fmt.Errorf("gateway verify: %w", err)
	}
	if reply.Status != http.StatusOK {
		return out, fmt.Errorf("gateway verify: status %d after %d attempts: %s", reply.Status, reply.Attempts, strings.TrimSpace(string(reply.Body)))
	}
	if err := json.Unmarshal(reply.Body, &out); err != nil {
		return out, fmt.Errorf("gateway verify: decode: %w", err)
	}
	return out, nil
}
