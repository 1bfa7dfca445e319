// Package marketdata implements the external option-quote collaborator used
// under the external-snapshot price policy.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/broker"
	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// Client is the REST client for the option snapshot API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.MarketData = (*Client)(nil)

// NewClient creates a snapshot client. baseURL is the API root, e.g.
// "https://api.marketdata.app/v1".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// quoteResponse is the provider's array-per-field quote envelope.
type quoteResponse struct {
	Status  string    `json:"s"`
	Bid     []float64 `json:"bid"`
	Ask     []float64 `json:"ask"`
	Last    []float64 `json:"last"`
	Updated []int64   `json:"updated"`
}

// GetSnapshot fetches the current quote for an option contract. Failures map
// onto the snapshot sentinel taxonomy so callers can branch on error class
// without knowing the provider.
func (c *Client) GetSnapshot(ctx context.Context, inst domain.Instrument) (domain.Snapshot, error) {
	if err := broker.ValidateInstrument(inst); err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: %w", domain.ErrSnapshotInvalidInput, err)
	}

	url := fmt.Sprintf("%s/options/quotes/%s/", c.baseURL, broker.CompactOCCSymbol(inst))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: %w", domain.ErrSnapshotNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: read response: %w", domain.ErrSnapshotNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: status %d", domain.ErrSnapshotAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: %s", domain.ErrSnapshotNotFound, broker.CompactOCCSymbol(inst))
	case resp.StatusCode != http.StatusOK:
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: status %d: %s", domain.ErrSnapshotAPI, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var quote quoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: decode quote: %w", domain.ErrSnapshotAPI, err)
	}
	if quote.Status != "ok" || len(quote.Bid) == 0 || len(quote.Ask) == 0 {
		return domain.Snapshot{}, fmt.Errorf("marketdata: %w: empty quote for %s", domain.ErrSnapshotNotFound, broker.CompactOCCSymbol(inst))
	}

	snap := domain.Snapshot{
		Bid: quote.Bid[0],
		Ask: quote.Ask[0],
	}
	if len(quote.Last) > 0 {
		snap.Last = quote.Last[0]
	}
	if len(quote.Updated) > 0 {
		snap.Timestamp = time.Unix(quote.Updated[0], 0).UTC()
	}
	return snap, nil
}
