package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// ConnectionManager defines the broker-connection methods the handler
// requires from the service layer.
type ConnectionManager interface {
	Link(ctx context.Context, userID string, kind domain.BrokerKind, creds domain.BrokerCredentials) (domain.BrokerConnection, error)
	Disconnect(ctx context.Context, userID, connectionID string) error
	List(ctx context.Context, userID string) ([]domain.BrokerConnection, error)
}

// ConnectionHandler serves broker-connection endpoints.
type ConnectionHandler struct {
	conns  ConnectionManager
	logger *slog.Logger
}

// NewConnectionHandler creates a ConnectionHandler with the given service
// and logger.
func NewConnectionHandler(conns ConnectionManager, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		conns:  conns,
		logger: logger,
	}
}

// linkBody is the JSON request for linking a brokerage. Credentials are
// accepted over TLS and encrypted before they touch storage; they are never
// echoed back.
type linkBody struct {
	Kind      string `json:"kind"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	AccountID string `json:"account_id"`
	BaseURL   string `json:"base_url"`
}

// Link connects a brokerage account for the acting user. Linking deactivates
// any previously active connection.
// POST /api/connections
func (h *ConnectionHandler) Link(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	var body linkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	conn, err := h.conns.Link(r.Context(), actor, domain.BrokerKind(body.Kind), domain.BrokerCredentials{
		APIKey:    body.APIKey,
		APISecret: body.APISecret,
		AccountID: body.AccountID,
		BaseURL:   body.BaseURL,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, conn)
}

// List returns the acting user's broker connections, active and inactive.
// GET /api/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	conns, err := h.conns.List(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if conns == nil {
		conns = []domain.BrokerConnection{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// Disconnect deactivates one of the acting user's broker connections.
// DELETE /api/connections/{id}
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	id := pathParam(r, "id")
	if err := h.conns.Disconnect(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "disconnected",
		"connection_id": id,
	})
}
