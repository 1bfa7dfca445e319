package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	creds := domain.BrokerCredentials{
		APIKey:    "key-123",
		APISecret: "secret-456",
		AccountID: "ACC789",
		BaseURL:   "https://sandbox.tradier.com/v1",
	}

	blob, err := EncryptCredentials(creds, "correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.NotContains(t, string(blob), "key-123")
	assert.NotContains(t, string(blob), "secret-456")

	got, err := DecryptCredentials(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	blob, err := EncryptCredentials(domain.BrokerCredentials{APIKey: "k"}, "right")
	require.NoError(t, err)

	_, err = DecryptCredentials(blob, "wrong")
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	_, err := DecryptCredentials([]byte("not json at all"), "pass")
	assert.Error(t, err)
}

func TestEncryptEmptyPassphrase(t *testing.T) {
	_, err := EncryptCredentials(domain.BrokerCredentials{APIKey: "k"}, "")
	assert.Error(t, err)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	creds := domain.BrokerCredentials{APIKey: "k"}

	a, err := EncryptCredentials(creds, "pass")
	require.NoError(t, err)
	b, err := EncryptCredentials(creds, "pass")
	require.NoError(t, err)

	// Fresh salt and nonce per call.
	assert.NotEqual(t, a, b)
}
