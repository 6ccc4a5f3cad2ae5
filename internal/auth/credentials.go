// Package auth manages provider OAuth credentials stored in a local
// token file, refreshing access tokens shortly before they expire.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Refresh a token this long before its recorded expiry.
const refreshBuffer = 5 * time.Minute

// ErrNoCredentials is returned when the token file holds no entry for
// the requested provider.
var ErrNoCredentials = errors.New("auth: no credentials for provider")

// providerToken is one provider's entry in the token file.
type providerToken struct {
	Type    string `json:"type"`
	Refresh string `json:"refresh"`
	Access  string `json:"access"`
	Expires int64  `json:"expires,omitempty"` // unix ms
}

// tokenRefreshResponse is the OAuth token endpoint's reply.
type tokenRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Source reads provider credentials from a token file and refreshes
// them lazily. The file is re-read on every call so refreshes done by
// other processes are picked up; refreshed tokens are written back
// atomically.
type Source struct {
	path     string
	tokenURL string
	clientID string
	client   *http.Client
	logger   *zap.Logger
}

// NewSource creates a credential source over a token file. tokenURL and
// clientID configure the refresh endpoint.
func NewSource(path, tokenURL, clientID string, logger *zap.Logger) *Source {
	return &Source{
		path:     path,
		tokenURL: tokenURL,
		clientID: clientID,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// AccessToken returns a usable access token for a provider. When the
// stored token is within the refresh buffer of expiry it attempts one
// refresh; if that fails, the stale token is returned anyway and the
// failure logged, since a stale token may still be accepted.
func (s *Source) AccessToken(ctx context.Context, provider string) (string, error) {
	tokens, err := s.load()
	if err != nil {
		return "", err
	}
	tok, ok := tokens[provider]
	if !ok || tok.Access == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}

	if time.Now().UnixMilli() < tok.Expires-refreshBuffer.Milliseconds() {
		return tok.Access, nil
	}

	refreshed, err := s.refresh(ctx, tok.Refresh)
	if err != nil {
		s.logger.Warn("token refresh failed, using stale token",
			zap.String("provider", provider),
			zap.Error(err))
		return tok.Access, nil
	}

	tok.Access = refreshed.AccessToken
	tok.Refresh = refreshed.RefreshToken
	tok.Expires = time.Now().UnixMilli() + refreshed.ExpiresIn*1000
	tokens[provider] = tok
	if err := s.save(tokens); err != nil {
		s.logger.Warn("failed to persist refreshed token",
			zap.String("provider", provider),
			zap.Error(err))
	}
	return tok.Access, nil
}

func (s *Source) load() (map[string]providerToken, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("auth: read token file: %w", err)
	}
	tokens := make(map[string]providerToken)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("auth: parse token file: %w", err)
	}
	return tokens, nil
}

func (s *Source) save(tokens map[string]providerToken) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal token file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth: write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("auth: replace token file: %w", err)
	}
	return nil
}

// refresh performs a single refresh_token grant against the token
// endpoint. No retries; the caller falls back to the stale token.
func (s *Source) refresh(ctx context.Context, refreshToken string) (*tokenRefreshResponse, error) {
	s.logger.Debug("refreshing access token")

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     s.clientID,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("auth: token refresh failed: %d %s", resp.StatusCode, text)
	}
	var refreshed tokenRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return nil, fmt.Errorf("auth: decode refresh response: %w", err)
	}
	if refreshed.AccessToken == "" {
		return nil, fmt.Errorf("auth: refresh response missing access token")
	}
	return &refreshed, nil
}
