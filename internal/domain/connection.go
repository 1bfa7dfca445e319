package domain

import "time"

// BrokerKind discriminates the brokerage integrations. Adapter selection is
// driven by this stored value, never by runtime type inspection.
type BrokerKind string

const (
	BrokerTradier BrokerKind = "tradier"
	BrokerAlpaca  BrokerKind = "alpaca"
)

// ValidBrokerKind reports whether k names a supported integration.
func ValidBrokerKind(k BrokerKind) bool {
	switch k {
	case BrokerTradier, BrokerAlpaca:
		return true
	default:
		return false
	}
}

// BrokerConnection is a user's authorization to trade through one external
// brokerage. Credentials are encrypted at rest; the trade engine treats the
// row as read-only apart from the active flag flip on disconnect.
type BrokerConnection struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Kind   BrokerKind `json:"kind"`
	// EncryptedCredentials is an AES-GCM blob produced by internal/crypto.
	EncryptedCredentials string    `json:"-"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// BrokerCredentials is the decrypted credential material for one
// connection. The field set is the superset used across integrations.
type BrokerCredentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}
