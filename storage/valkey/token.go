package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// refreshTokenJSON is the JSON representation of a refresh token record.
// Fields that may be empty are omitempty so the Lua revocation script can
// round-trip the record through cjson.
type refreshTokenJSON struct {
	ID        string   `json:"id"`
	ClientID  string   `json:"client_id"`
	Subject   string   `json:"sub,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ParentID  string   `json:"parent_id,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
	Revoked   bool     `json:"revoked,omitempty"`
}

func toRefreshTokenJSON(rt *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		ID:        rt.ID,
		ClientID:  rt.ClientID,
		Subject:   rt.Subject,
		Scopes:    rt.Scopes,
		ParentID:  rt.ParentID,
		IssuedAt:  rt.IssuedAt.Unix(),
		ExpiresAt: rt.ExpiresAt.Unix(),
		Revoked:   rt.Revoked,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		ID:        j.ID,
		ClientID:  j.ClientID,
		Subject:   j.Subject,
		Scopes:    j.Scopes,
		ParentID:  j.ParentID,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

// SaveRefreshToken records a refresh token until it expires
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.ID == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateStringLength(token.ID, MaxKeyLength, "refresh token id"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.setJSON(ctx, s.refreshTokenKey(token.ID), toRefreshTokenJSON(token), ttl); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.logger.Debug("Saved refresh token",
		"token_id", util.SafeTruncate(token.ID, tokenIDLogLength),
		"client_id", token.ClientID,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken returns the refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	return getAndUnmarshal(ctx, s, s.refreshTokenKey(id), storage.ErrRefreshTokenNotFound, fromRefreshTokenJSON)
}

// RevokeRefreshToken marks a refresh token revoked without changing its TTL
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRefreshToken).
			Numkeys(1).
			Key(s.refreshTokenKey(id)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Revoked refresh token", "token_id", util.SafeTruncate(id, tokenIDLogLength))
	}
	return nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// accessTokenJSON is the JSON representation of an opaque access token
type accessTokenJSON struct {
	Value     string   `json:"value"`
	ClientID  string   `json:"client_id"`
	Subject   string   `json:"sub,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	IssuedAt  int64    `json:"issued_at"`
	ExpiresAt int64    `json:"expires_at"`
}

func toAccessTokenJSON(at *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Value:     at.Value,
		ClientID:  at.ClientID,
		Subject:   at.Subject,
		Scopes:    at.Scopes,
		Audience:  at.Audience,
		IssuedAt:  at.IssuedAt.Unix(),
		ExpiresAt: at.ExpiresAt.Unix(),
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	if j == nil {
		return nil
	}
	return &storage.AccessToken{
		Value:     j.Value,
		ClientID:  j.ClientID,
		Subject:   j.Subject,
		Scopes:    j.Scopes,
		Audience:  j.Audience,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// SaveAccessToken stores an opaque access token until it expires
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Value == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateStringLength(token.Value, MaxKeyLength, "access token"); err != nil {
		return err
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	if err := s.setJSON(ctx, s.accessTokenKey(token.Value), toAccessTokenJSON(token), ttl); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessToken returns an opaque access token. TTL is managed by Valkey.
func (s *Store) GetAccessToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	return getAndUnmarshal(ctx, s, s.accessTokenKey(value), storage.ErrAccessTokenNotFound, fromAccessTokenJSON)
}

// DeleteAccessToken removes an opaque access token
func (s *Store) DeleteAccessToken(ctx context.Context, value string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(value)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}
