package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/security"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
)

// ErrReconnectRequired is returned when the stored credential has been
// revoked and the user must re-authorize the source host
var ErrReconnectRequired = errors.New("source host credential revoked, reconnect required")

// refreshWindow is how close to expiry a token gets before we refresh
const refreshWindow = 5 * time.Minute

// TokenSource yields a valid access token for source-host requests
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, used for service-level
// operations and in tests
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// UserTokenSource manages one user's OAuth credential: it unseals the
// stored token, refreshes it when expiry is near, and revokes the
// credential if the refresh is rejected.
type UserTokenSource struct {
	userID       string
	store        storage.Store
	sealer       *security.Sealer
	refreshURL   string
	clientID     string
	clientSecret string
	http         *http.Client

	mu sync.Mutex
}

// NewUserTokenSource creates a token source for the given user
func NewUserTokenSource(userID string, store storage.Store, sealer *security.Sealer, refreshURL, clientID, clientSecret string) *UserTokenSource {
	return &UserTokenSource{
		userID:       userID,
		store:        store,
		sealer:       sealer,
		refreshURL:   refreshURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns a valid access token, refreshing first if expiry is
// within the refresh window
func (u *UserTokenSource) Token(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	cred, err := u.store.GetCredential(u.userID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.Revoked {
		return "", ErrReconnectRequired
	}

	if time.Until(cred.ExpiresAt) > refreshWindow {
		token, err := u.sealer.Open(cred.AccessToken)
		if err != nil {
			return "", fmt.Errorf("failed to unseal token: %w", err)
		}
		return string(token), nil
	}

	return u.refresh(ctx, cred)
}

func (u *UserTokenSource) refresh(ctx context.Context, cred *types.Credential) (string, error) {
	refreshToken, err := u.sealer.Open(cred.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to unseal refresh token: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": string(refreshToken),
		"client_id":     u.clientID,
		"client_secret": u.clientSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// The refresh token is no longer honored; the user has to
		// reconnect the integration
		revokeErr := u.store.PutCredential(&types.Credential{
			UserID:    u.userID,
			Revoked:   true,
			UpdatedAt: time.Now(),
		})
		if revokeErr != nil {
			return "", fmt.Errorf("refresh rejected (%d) and revoke failed: %w", resp.StatusCode, revokeErr)
		}
		return "", ErrReconnectRequired
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}

	sealedAccess, err := u.sealer.Seal([]byte(out.AccessToken))
	if err != nil {
		return "", err
	}
	newRefresh := out.RefreshToken
	if newRefresh == "" {
		newRefresh = string(refreshToken)
	}
	sealedRefresh, err := u.sealer.Seal([]byte(newRefresh))
	if err != nil {
		return "", err
	}

	err = u.store.PutCredential(&types.Credential{
		UserID:       u.userID,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	return out.AccessToken, nil
}
