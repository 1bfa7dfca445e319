package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

func testInstrument() domain.Instrument {
	return domain.Instrument{
		Underlying: "AAPL",
		Strike:     190,
		OptionType: domain.OptionCall,
		Expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
	}
}

func TestGetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/options/quotes/AAPL260116C00190000/", r.URL.Path)
		assert.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"s":"ok","bid":[1.20],"ask":[1.30],"last":[1.24],"updated":[1756400000]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "api-key")
	snap, err := c.GetSnapshot(context.Background(), testInstrument())
	require.NoError(t, err)

	assert.InDelta(t, 1.20, snap.Bid, 1e-9)
	assert.InDelta(t, 1.30, snap.Ask, 1e-9)
	assert.InDelta(t, 1.24, snap.Last, 1e-9)
	assert.InDelta(t, 1.25, snap.Mid(), 1e-9)
	assert.Equal(t, time.Unix(1756400000, 0).UTC(), snap.Timestamp)
}

func TestGetSnapshotErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"auth 401", http.StatusUnauthorized, ``, domain.ErrSnapshotAuth},
		{"auth 403", http.StatusForbidden, ``, domain.ErrSnapshotAuth},
		{"missing contract", http.StatusNotFound, ``, domain.ErrSnapshotNotFound},
		{"server error", http.StatusInternalServerError, `boom`, domain.ErrSnapshotAPI},
		{"empty quote arrays", http.StatusOK, `{"s":"ok","bid":[],"ask":[]}`, domain.ErrSnapshotNotFound},
		{"provider-side no_data", http.StatusOK, `{"s":"no_data"}`, domain.ErrSnapshotNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "api-key")
			_, err := c.GetSnapshot(context.Background(), testInstrument())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetSnapshotInvalidInstrument(t *testing.T) {
	c := NewClient("http://localhost:0", "api-key")

	_, err := c.GetSnapshot(context.Background(), domain.Instrument{})
	assert.ErrorIs(t, err, domain.ErrSnapshotInvalidInput)
}

func TestGetSnapshotNetworkError(t *testing.T) {
	// Closed server: the request cannot connect.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "api-key")
	_, err := c.GetSnapshot(context.Background(), testInstrument())
	assert.ErrorIs(t, err, domain.ErrSnapshotNetwork)
}
