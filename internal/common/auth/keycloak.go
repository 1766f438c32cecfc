// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"practice-rules-engine/internal/common/errors"
)

const rolePageSize = 100

// KeycloakClient reads realm users and role memberships through the Keycloak admin API.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// User represents a user in Keycloak.
type User struct {
	ID         string              `json:"id,omitempty"`
	Email      string              `json:"email"`
	FirstName  string              `json:"firstName"`
	LastName   string              `json:"lastName"`
	Username   string              `json:"username"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// DisplayName prefers the full name and falls back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Username
}

// Attribute returns the first value of a user attribute.
func (u User) Attribute(name string) string {
	if vals := u.Attributes[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// TokenResponse holds the response from Keycloak's token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewKeycloakClient creates a new instance of KeycloakClient.
func NewKeycloakClient(baseURL, realm, clientID, clientSecret string) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// getAccessToken fetches a token with the client credentials flow and caches it until expiry.
func (k *KeycloakClient) getAccessToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && k.tokenExpiry.After(time.Now()) {
		return k.accessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("keycloak token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	k.accessToken = tokenResp.AccessToken
	// Refresh a little early so in-flight requests never carry an expired token.
	k.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - 10*time.Second)

	return k.accessToken, nil
}

// RoleUsers lists every user holding a realm role, following pagination.
func (k *KeycloakClient) RoleUsers(ctx context.Context, role string) ([]User, error) {
	var all []User
	for first := 0; ; first += rolePageSize {
		path := fmt.Sprintf("/admin/realms/%s/roles/%s/users?first=%d&max=%d",
			k.realm, url.PathEscape(role), first, rolePageSize)

		var page []User
		status, err := k.get(ctx, path, &page)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			return all, nil
		}
		all = append(all, page...)
		if len(page) < rolePageSize {
			return all, nil
		}
	}
}

// GetUser fetches one user. A missing user returns (nil, nil).
func (k *KeycloakClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	status, err := k.get(ctx, fmt.Sprintf("/admin/realms/%s/users/%s", k.realm, url.PathEscape(userID)), &user)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &user, nil
}

// get performs an authenticated admin GET. 404 is reported through the status, not as an error.
func (k *KeycloakClient) get(ctx context.Context, path string, out interface{}) (int, error) {
	token, err := k.getAccessToken(ctx)
	if err != nil {
		return 0, &errors.StandardError{
			Code:      "KEYCLOAK_AUTH_ERROR",
			Message:   "Failed to authenticate with Keycloak",
			Details:   err.Error(),
			Retryable: true,
			Timestamp: time.Now().UTC(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create keycloak request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return 0, &errors.StandardError{
			Code:      "KEYCLOAK_REQUEST_ERROR",
			Message:   "Keycloak request failed",
			Details:   err.Error(),
			Retryable: true,
			Timestamp: time.Now().UTC(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		k.mu.Lock()
		k.accessToken = ""
		k.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &errors.StandardError{
			Code:      "KEYCLOAK_REQUEST_ERROR",
			Message:   fmt.Sprintf("Keycloak returned status %d", resp.StatusCode),
			Details:   string(body),
			Retryable: resp.StatusCode >= 500,
			Timestamp: time.Now().UTC(),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode keycloak response: %w", err)
	}
	return resp.StatusCode, nil
}
