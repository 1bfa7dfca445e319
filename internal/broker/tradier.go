package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

const defaultTradierBaseURL = "https://api.tradier.com/v1"

// Tradier implements domain.Broker against the Tradier brokerage REST API.
type Tradier struct {
	baseURL    string
	token      string
	accountID  string
	priceWait  time.Duration
	httpClient *http.Client
}

var _ domain.Broker = (*Tradier)(nil)

// NewTradier creates a Tradier adapter from decrypted connection credentials.
func NewTradier(creds domain.BrokerCredentials, opts Options) *Tradier {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultTradierBaseURL
	}
	return &Tradier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      creds.APIKey,
		accountID:  creds.AccountID,
		priceWait:  opts.PriceWait,
		httpClient: defaultHTTPClient(opts),
	}
}

// Kind returns the adapter's broker discriminator.
func (t *Tradier) Kind() domain.BrokerKind { return domain.BrokerTradier }

// tradierOrder is the order envelope Tradier returns from both placement and
// status endpoints.
type tradierOrder struct {
	ID           json.Number `json:"id"`
	Status       string      `json:"status"`
	AvgFillPrice float64     `json:"avg_fill_price"`
}

// PlaceOptionOrder submits a market day order and polls it for a usable fill
// price within the bounded wait. Broker-side rejections come back inside the
// OrderResult, never as a Go error.
func (t *Tradier) PlaceOptionOrder(ctx context.Context, inst domain.Instrument, side domain.OrderSide, contracts int) (domain.OrderResult, error) {
	if err := ValidateInstrument(inst); err != nil {
		return domain.OrderResult{}, err
	}

	form := url.Values{}
	form.Set("class", "option")
	form.Set("symbol", strings.ToUpper(inst.Underlying))
	form.Set("option_symbol", CompactOCCSymbol(inst))
	form.Set("side", tradierSide(side))
	form.Set("quantity", strconv.Itoa(contracts))
	form.Set("type", "market")
	form.Set("duration", "day")

	body, status, err := t.do(ctx, http.MethodPost,
		fmt.Sprintf("/accounts/%s/orders", url.PathEscape(t.accountID)),
		strings.NewReader(form.Encode()))
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("tradier: place order: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return domain.OrderResult{
			Success: false,
			Error:   normalizeHTTPError(status, tradierErrorMessage(body)),
		}, nil
	}

	var resp struct {
		Order tradierOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("tradier: decode order response: %w", err)
	}

	result := domain.OrderResult{
		Success: true,
		OrderID: resp.Order.ID.String(),
		Status:  resp.Order.Status,
	}

	// Bounded wait for the execution report. A missing price after the
	// deadline is still a successful placement; the caller decides what an
	// unpriced order means.
	price, orderStatus := t.awaitFillPrice(ctx, result.OrderID)
	if orderStatus != "" {
		result.Status = orderStatus
	}
	if price != nil {
		result.ExecutionPrice = price
		cost := EstimateCost(side, contracts, *price)
		result.Cost = &cost
	}
	return result, nil
}

// awaitFillPrice polls the order until it reports a usable average fill
// price, the order reaches a dead state, or the wait expires.
func (t *Tradier) awaitFillPrice(ctx context.Context, orderID string) (*float64, string) {
	deadline := time.Now().Add(t.priceWait)
	var lastStatus string

	for {
		order, err := t.getOrder(ctx, orderID)
		if err == nil {
			lastStatus = order.Status
			if usablePrice(order.AvgFillPrice) {
				p := order.AvgFillPrice
				return &p, lastStatus
			}
			switch order.Status {
			case "rejected", "canceled", "expired", "error":
				return nil, lastStatus
			}
		}

		if time.Now().After(deadline) {
			return nil, lastStatus
		}
		select {
		case <-ctx.Done():
			return nil, lastStatus
		case <-time.After(pricePollInterval):
		}
	}
}

func (t *Tradier) getOrder(ctx context.Context, orderID string) (tradierOrder, error) {
	body, status, err := t.do(ctx, http.MethodGet,
		fmt.Sprintf("/accounts/%s/orders/%s", url.PathEscape(t.accountID), url.PathEscape(orderID)), nil)
	if err != nil {
		return tradierOrder{}, fmt.Errorf("tradier: get order %s: %w", orderID, err)
	}
	if status != http.StatusOK {
		return tradierOrder{}, fmt.Errorf("tradier: get order %s: status %d", orderID, status)
	}

	var resp struct {
		Order tradierOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return tradierOrder{}, fmt.Errorf("tradier: decode order %s: %w", orderID, err)
	}
	return resp.Order, nil
}

// GetAccountInfo returns the account's cash, buying power, and equity.
func (t *Tradier) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	body, status, err := t.do(ctx, http.MethodGet,
		fmt.Sprintf("/accounts/%s/balances", url.PathEscape(t.accountID)), nil)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("tradier: get balances: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.AccountInfo{}, fmt.Errorf("tradier: get balances: %w", domain.ErrUnauthorized)
	}
	if status != http.StatusOK {
		return domain.AccountInfo{}, fmt.Errorf("tradier: get balances: status %d", status)
	}

	var resp struct {
		Balances struct {
			TotalCash   float64 `json:"total_cash"`
			TotalEquity float64 `json:"total_equity"`
			Margin      struct {
				OptionBuyingPower float64 `json:"option_buying_power"`
			} `json:"margin"`
			Cash struct {
				CashAvailable float64 `json:"cash_available"`
			} `json:"cash"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.AccountInfo{}, fmt.Errorf("tradier: decode balances: %w", err)
	}

	buyingPower := resp.Balances.Margin.OptionBuyingPower
	if buyingPower == 0 {
		buyingPower = resp.Balances.Cash.CashAvailable
	}

	return domain.AccountInfo{
		AccountID:   t.accountID,
		Broker:      domain.BrokerTradier,
		Cash:        resp.Balances.TotalCash,
		BuyingPower: buyingPower,
		Equity:      resp.Balances.TotalEquity,
	}, nil
}

// do executes one authenticated request and returns the raw body and status.
func (t *Tradier) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// tradierSide maps the domain order side onto Tradier's option order verbs.
// Buys always open and sells always close; short positions are out of scope.
func tradierSide(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "sell_to_close"
	}
	return "buy_to_open"
}

// tradierErrorMessage extracts a human-readable failure reason from an error
// response body, falling back to the raw body.
func tradierErrorMessage(body []byte) string {
	var resp struct {
		Fault struct {
			FaultString string `json:"faultstring"`
		} `json:"fault"`
		Errors struct {
			// Tradier returns a bare string for one error and an array for
			// several.
			Error json.RawMessage `json:"error"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Fault.FaultString != "" {
			return resp.Fault.FaultString
		}
		var one string
		if json.Unmarshal(resp.Errors.Error, &one) == nil && one != "" {
			return one
		}
		var many []string
		if json.Unmarshal(resp.Errors.Error, &many) == nil && len(many) > 0 {
			return strings.Join(many, "; ")
		}
	}
	return strings.TrimSpace(string(body))
}
