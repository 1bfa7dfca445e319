// Package broker adapts heterogeneous brokerage APIs to the domain.Broker
// capability interface. Adapter selection is keyed on the connection's stored
// kind; callers never branch on concrete types.
package broker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// Options carries adapter-wide tuning shared by all brokerage backends.
type Options struct {
	// PriceWait bounds how long an adapter polls for a usable execution
	// price after order acceptance.
	PriceWait time.Duration
	// HTTPClient overrides the transport for REST adapters. Nil uses a
	// client with a sane timeout.
	HTTPClient *http.Client
}

// New builds the adapter for a connection's broker kind using decrypted
// credentials.
func New(kind domain.BrokerKind, creds domain.BrokerCredentials, opts Options) (domain.Broker, error) {
	switch kind {
	case domain.BrokerTradier:
		return NewTradier(creds, opts), nil
	case domain.BrokerAlpaca:
		return NewAlpaca(creds, opts), nil
	default:
		return nil, fmt.Errorf("broker: unsupported kind %q", kind)
	}
}

// normalizeHTTPError maps a transport status code onto the shared broker
// error taxonomy. Every adapter funnels its failures through here so the
// trade engine sees one error shape regardless of backend.
func normalizeHTTPError(statusCode int, message string) *domain.BrokerError {
	var kind domain.BrokerErrorKind
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = domain.BrokerErrAuthorizationDenied
	case statusCode == http.StatusNotFound:
		kind = domain.BrokerErrNotFound
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		kind = domain.BrokerErrInvalidParameters
	default:
		kind = domain.BrokerErrUnknown
	}
	return &domain.BrokerError{Kind: kind, Message: message}
}

// usablePrice reports whether a reported fill price can be trusted for
// notional accounting.
func usablePrice(p float64) bool {
	return p > 0 && p < 1e9
}

// defaultHTTPClient returns opts.HTTPClient or a client with a bounded
// timeout.
func defaultHTTPClient(opts Options) *http.Client {
	if opts.HTTPClient != nil {
		return opts.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// pricePollInterval is the cadence adapters re-check an accepted order for
// its fill price during the bounded wait.
const pricePollInterval = 200 * time.Millisecond
