package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

const defaultAlpacaBaseURL = "https://paper-api.alpaca.markets"

// Alpaca implements domain.Broker on the official Alpaca trading SDK.
type Alpaca struct {
	client    *alpaca.Client
	accountID string
	priceWait time.Duration
}

var _ domain.Broker = (*Alpaca)(nil)

// NewAlpaca creates an Alpaca adapter from decrypted connection credentials.
func NewAlpaca(creds domain.BrokerCredentials, opts Options) *Alpaca {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = defaultAlpacaBaseURL
	}
	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			BaseURL:   baseURL,
		}),
		accountID: creds.AccountID,
		priceWait: opts.PriceWait,
	}
}

// Kind returns the adapter's broker discriminator.
func (a *Alpaca) Kind() domain.BrokerKind { return domain.BrokerAlpaca }

// PlaceOptionOrder submits a market day order for the instrument's option
// contract and polls for the average fill price within the bounded wait.
// The SDK does not thread contexts through requests, so ctx only gates the
// polling loop.
func (a *Alpaca) PlaceOptionOrder(ctx context.Context, inst domain.Instrument, side domain.OrderSide, contracts int) (domain.OrderResult, error) {
	if err := ValidateInstrument(inst); err != nil {
		return domain.OrderResult{}, err
	}

	qty := decimal.NewFromInt(int64(contracts))
	order, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      CompactOCCSymbol(inst),
		Qty:         &qty,
		Side:        alpacaSide(side),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		if brokerErr := normalizeAlpacaError(err); brokerErr != nil {
			return domain.OrderResult{Success: false, Error: brokerErr}, nil
		}
		return domain.OrderResult{}, fmt.Errorf("alpaca: place order: %w", err)
	}

	result := domain.OrderResult{
		Success: true,
		OrderID: order.ID,
		Status:  order.Status,
	}

	price, status := a.awaitFillPrice(ctx, order.ID)
	if status != "" {
		result.Status = status
	}
	if price != nil {
		result.ExecutionPrice = price
		cost := EstimateCost(side, contracts, *price)
		result.Cost = &cost
	}
	return result, nil
}

// awaitFillPrice polls the order until a usable FilledAvgPrice appears, the
// order dies, or the wait expires.
func (a *Alpaca) awaitFillPrice(ctx context.Context, orderID string) (*float64, string) {
	deadline := time.Now().Add(a.priceWait)
	var lastStatus string

	for {
		order, err := a.client.GetOrder(orderID)
		if err == nil {
			lastStatus = order.Status
			if order.FilledAvgPrice != nil {
				p, _ := order.FilledAvgPrice.Float64()
				if usablePrice(p) {
					return &p, lastStatus
				}
			}
			switch order.Status {
			case "rejected", "canceled", "expired":
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

// GetAccountInfo returns the account's cash, buying power, and equity.
func (a *Alpaca) GetAccountInfo(ctx context.Context) (domain.AccountInfo, error) {
	_ = ctx // SDK requests are not context-aware

	acct, err := a.client.GetAccount()
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return domain.AccountInfo{}, fmt.Errorf("alpaca: get account: %w", domain.ErrUnauthorized)
		}
		return domain.AccountInfo{}, fmt.Errorf("alpaca: get account: %w", err)
	}

	accountID := a.accountID
	if accountID == "" {
		accountID = acct.AccountNumber
	}

	cash, _ := acct.Cash.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	equity, _ := acct.Equity.Float64()

	return domain.AccountInfo{
		AccountID:   accountID,
		Broker:      domain.BrokerAlpaca,
		Cash:        cash,
		BuyingPower: buyingPower,
		Equity:      equity,
	}, nil
}

func alpacaSide(side domain.OrderSide) alpaca.Side {
	if side == domain.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// normalizeAlpacaError maps an SDK APIError onto the shared taxonomy. Returns
// nil for transport faults that should surface as Go errors instead.
func normalizeAlpacaError(err error) *domain.BrokerError {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	return normalizeHTTPError(apiErr.StatusCode, apiErr.Message)
}
