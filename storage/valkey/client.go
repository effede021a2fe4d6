package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"

	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string              `json:"client_id"`
	ClientSecretHash string              `json:"client_secret_hash,omitempty"`
	ClientSecret     string              `json:"client_secret,omitempty"`
	ClientType       string              `json:"client_type"`
	ClientName       string              `json:"client_name,omitempty"`
	RedirectURIs     []string            `json:"redirect_uris,omitempty"`
	GrantTypes       []string            `json:"grant_types,omitempty"`
	Scopes           []string            `json:"scopes,omitempty"`
	JWKS             *jose.JSONWebKeySet `json:"jwks,omitempty"`
	CreatedAt        int64               `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientSecret:     client.ClientSecret,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		Scopes:           client.Scopes,
		JWKS:             client.JWKS,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientSecret:     j.ClientSecret,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		Scopes:           j.Scopes,
		JWKS:             j.JWKS,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// SaveClient saves a registered client. Clients do not expire.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	if err := s.setJSON(ctx, s.clientKey(client.ClientID), toClientJSON(client), 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	keys, err := s.scanKeys(ctx, s.clientKey("*"))
	if err != nil {
		return nil, err
	}

	clients := make([]*storage.Client, 0, len(keys))
	for _, key := range keys {
		c, err := getAndUnmarshal(ctx, s, key, storage.ErrClientNotFound, fromClientJSON)
		if err != nil {
			if err == storage.ErrClientNotFound {
				continue // deleted between SCAN and GET
			}
			s.logger.Warn("Failed to read client, skipping", "key", key, "error", err)
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}
