// Package syncengine keeps an edge gateway converged with the control
// plane: policy bundles and revocations flow down, ledger batches flow up.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentgovern/sentinel/internal/ledger"
	"github.com/agentgovern/sentinel/internal/policy"
	"github.com/agentgovern/sentinel/internal/revocation"
)

// Per-endpoint timeouts.
const (
	policyTimeout     = 5 * time.Second
	revocationTimeout = 5 * time.Second
	flushTimeout      = 10 * time.Second
)

// Client talks to the control plane's sync surface.
type Client struct {
	baseURL   string
	gatewayID string
	http      *http.Client
}

// NewClient builds a sync client for one gateway.
func NewClient(controlPlaneURL, gatewayID string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(controlPlaneURL, "/"),
		gatewayID: gatewayID,
		http:      &http.Client{},
	}
}

// FetchBundle pulls the current full bundle for the gateway's environment.
// The server returns the complete rule set so the hash can be verified
// locally; environment filtering happens at the edge after verification.
func (c *Client) FetchBundle(ctx context.Context, env string) (*policy.Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, policyTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/sentinel/policies/bundle?env=%s&gateway_id=%s",
		c.baseURL, url.QueryEscape(env), url.QueryEscape(c.gatewayID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bundle pull: status %d", resp.StatusCode)
	}

	var b policy.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("bundle pull: decode: %w", err)
	}
	return &b, nil
}

// FetchRevocations pulls the diff since the given snapshot id; the server
// falls back to a full snapshot when since is zero or gapped.
func (c *Client) FetchRevocations(ctx context.Context, since int64) (*revocation.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, revocationTimeout)
	defer cancel()

	u := c.baseURL + "/identity/revocation-list"
	if since > 0 {
		u += "?since=" + strconv.FormatInt(since, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("revocation pull: status %d", resp.StatusCode)
	}

	var snap revocation.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("revocation pull: decode: %w", err)
	}
	return &snap, nil
}

type bulkRecordRequest struct {
	GatewayID string          `json:"gateway_id"`
	Decisions []ledger.Record `json:"decisions"`
}

// PushDecisions uploads a ledger batch and returns the master's verdict on
// each record.
func (c *Client) PushDecisions(ctx context.Context, records []ledger.Record) (*ledger.IngestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	body, err := json.Marshal(bulkRecordRequest{GatewayID: c.gatewayID, Decisions: records})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/ancestor/bulk-record", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger flush: status %d", resp.StatusCode)
	}

	var result ledger.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ledger flush: decode: %w", err)
	}
	return &result, nil
}
