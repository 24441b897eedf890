package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// tokenExpiryBuffer is how long before expiry a cached token is
	// considered stale and refreshed.
	tokenExpiryBuffer = 5 * time.Minute
	// assertionLifetime is the validity window claimed in the signed
	// assertion sent to the token endpoint.
	assertionLifetime = time.Hour
	// indexingScope is the single OAuth scope requested for submissions.
	indexingScope = "https://www.googleapis.com/auth/indexing"
	// jwtBearerGrant is the signed-assertion grant type.
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// serviceAccountKey is the long-lived credential stored sealed per account.
type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Vault exchanges stored credentials for short-lived bearer tokens.
// Tokens are cached sealed alongside the account and reused until they
// are within tokenExpiryBuffer of expiry.
type Vault struct {
	storage Storage
	box     SecretBox
	client  *http.Client

	// tokenEndpoint is used when the stored credential names no token_uri
	tokenEndpoint string

	now func() time.Time
}

// NewVault creates a vault backed by the given storage and secret box.
func NewVault(storage Storage, box SecretBox, tokenEndpoint string, timeout time.Duration) *Vault {
	return &Vault{
		storage:       storage,
		box:           box,
		client:        &http.Client{Timeout: timeout},
		tokenEndpoint: tokenEndpoint,
		now:           time.Now,
	}
}

// Token returns a usable bearer token for the account. A cached token is
// returned without network I/O while it stays comfortably ahead of expiry;
// otherwise the sealed credential is exchanged for a fresh token which is
// sealed and persisted before being returned. An account without stored
// credentials is unusable for this cycle, not a job failure.
func (v *Vault) Token(ctx context.Context, account *ServiceAccount) (string, error) {
	if tok, ok := v.cachedToken(account); ok {
		return tok, nil
	}

	if len(account.EncryptedCredentials) == 0 {
		return "", fmt.Errorf("%w: %s", ErrAccountUnusable, account.ID)
	}

	key, err := v.openCredentials(account)
	if err != nil {
		return "", err
	}

	tok, expiresAt, err := v.exchange(ctx, key)
	if err != nil {
		return "", fmt.Errorf("token exchange for account %s: %w", account.ID, err)
	}

	if err := v.cacheToken(ctx, account, tok, expiresAt); err != nil {
		// The token itself is valid; failing to cache it only costs an
		// extra exchange next cycle.
		slog.Warn("Failed to cache access token", "account_id", account.ID, "error", err)
	}

	return tok, nil
}

// cachedToken opens the sealed cached token when it is still fresh.
func (v *Vault) cachedToken(account *ServiceAccount) (string, bool) {
	if len(account.EncryptedAccessToken) == 0 || account.AccessTokenExpiresAt == nil {
		return "", false
	}
	if !account.AccessTokenExpiresAt.After(v.now().Add(tokenExpiryBuffer)) {
		return "", false
	}

	plain, err := v.box.Open(account.EncryptedAccessToken)
	if err != nil {
		slog.Warn("Failed to open cached token, refreshing", "account_id", account.ID, "error", err)
		return "", false
	}
	return string(plain), true
}

func (v *Vault) openCredentials(account *ServiceAccount) (*serviceAccountKey, error) {
	raw, err := v.box.Open(account.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("open credentials for account %s: %w", account.ID, err)
	}

	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode credentials for account %s: %w", account.ID, err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrAccountUnusable, account.ID)
	}
	return &key, nil
}

// exchange builds a signed assertion from the credential and trades it for
// a bearer token at the token endpoint.
func (v *Vault) exchange(ctx context.Context, key *serviceAccountKey) (string, time.Time, error) {
	endpoint := key.TokenURI
	if endpoint == "" {
		endpoint = v.tokenEndpoint
	}

	assertion, err := v.signAssertion(key, endpoint)
	if err != nil {
		return "", time.Time{}, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", time.Time{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token endpoint returned empty access_token")
	}

	expiresIn := time.Duration(payload.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = assertionLifetime
	}
	return payload.AccessToken, v.now().Add(expiresIn), nil
}

func (v *Vault) signAssertion(key *serviceAccountKey, audience string) (string, error) {
	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}

	now := v.now()
	claims := jwt.MapClaims{
		"iss":   key.ClientEmail,
		"scope": indexingScope,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rsaKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return assertion, nil
}

// cacheToken seals and persists the fresh token, updating the in-memory
// account so the same run reuses it without re-reading storage.
func (v *Vault) cacheToken(ctx context.Context, account *ServiceAccount, token string, expiresAt time.Time) error {
	sealed, err := v.box.Seal([]byte(token))
	if err != nil {
		return err
	}
	if err := v.storage.SaveAccountToken(ctx, account.ID, sealed, expiresAt); err != nil {
		return err
	}

	account.EncryptedAccessToken = sealed
	account.AccessTokenExpiresAt = &expiresAt
	return nil
}
