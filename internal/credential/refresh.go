package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/storage"
)

// expirySkew refreshes tokens slightly before their embedded expiry so an
// in-flight request never carries a token that dies mid-call.
const expirySkew = 30 * time.Second

// Refresher exchanges refresh tokens for fresh access tokens and persists
// the rotation atomically.
type Refresher struct {
	store storage.CredentialStore
	// tokenURL maps auth-method tags to token endpoints. The zero key ""
	// is the provider default.
	tokenURLs map[string]string
	clientID  string
}

// NewRefresher creates a Refresher for one provider's token endpoints.
func NewRefresher(store storage.CredentialStore, tokenURLs map[string]string, clientID string) *Refresher {
	return &Refresher{store: store, tokenURLs: tokenURLs, clientID: clientID}
}

// Expired reports whether the credential's access token is missing or past
// its expiry. The expiry embedded in the bearer payload wins over the
// stored instant when both are present.
func (r *Refresher) Expired(c *gateway.Credential) bool {
	if c.AccessToken == "" {
		return true
	}
	if exp, ok := jwtExpiry(c.AccessToken); ok {
		return time.Now().After(exp.Add(-expirySkew))
	}
	if c.ExpiresAt != nil {
		return time.Now().After(c.ExpiresAt.Add(-expirySkew))
	}
	return false
}

// Refresh performs the refresh-token grant and stores the rotated access
// token. The credential snapshot is updated in place on success.
func (r *Refresher) Refresh(ctx context.Context, c *gateway.Credential) (string, error) {
	if c.RefreshToken == "" {
		return "", fmt.Errorf("credential %s has no refresh token", c.ID)
	}
	tokenURL := r.tokenURLs[c.AuthMethod]
	if tokenURL == "" {
		tokenURL = r.tokenURLs[""]
	}
	if tokenURL == "" {
		return "", fmt.Errorf("no token endpoint for auth method %q", c.AuthMethod)
	}

	cfg := &oauth2.Config{
		ClientID: r.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token grant: %w", err)
	}

	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}
	if err := r.store.UpdateCredentialToken(ctx, c.ID, tok.AccessToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist rotated token: %w", err)
	}

	c.AccessToken = tok.AccessToken
	c.ExpiresAt = expiresAt
	if tok.RefreshToken != "" && tok.RefreshToken != c.RefreshToken {
		c.RefreshToken = tok.RefreshToken
		if err := r.store.UpdateCredential(ctx, c); err != nil {
			return "", fmt.Errorf("persist rotated refresh token: %w", err)
		}
	}
	return tok.AccessToken, nil
}

// jwtExpiry decodes the exp claim from a JWT-shaped bearer token without
// verifying the signature. ok is false for opaque tokens.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	exp := gjson.GetBytes(payload, "exp")
	if !exp.Exists() {
		return time.Time{}, false
	}
	return time.Unix(exp.Int(), 0), true
}
