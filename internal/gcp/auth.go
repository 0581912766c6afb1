package gcp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lllllllleong/docsetpackager/internal/httpx"
	"github.com/golang-jwt/jwt/v5"
)

// JWTBearerGrantType is the grant used to exchange a signed assertion.
const JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// DefaultTokenTTL is the lifetime requested for each assertion.
const DefaultTokenTTL = time.Hour

// AuthConfig describes the service account used for the JWT-bearer grant.
type AuthConfig struct {
	TokenURL string
	Issuer   string
	Scopes   []string
	Audience string
	TTL      time.Duration
}

// AuthToken is the bearer token currently held by an AuthProvider.
type AuthToken struct {
	Bearer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    []string
	Audience  string
}

// AuthProvider owns a bearer token obtained through a signed assertion
// exchange. It is not safe for concurrent use.
type AuthProvider struct {
	config AuthConfig
	key    *rsa.PrivateKey
	client *http.Client
	now    func() time.Time

	token *AuthToken
}

// NewAuthProvider parses the PEM-encoded RSA key and returns a provider with
// no token. The first Attach triggers authorization.
func NewAuthProvider(config AuthConfig, keyPEM []byte, client *http.Client) (*AuthProvider, error) {
	if config.TokenURL == "" || config.Issuer == "" {
		return nil, fmt.Errorf("token URL and issuer must be provided")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTokenTTL
	}
	if config.Audience == "" {
		config.Audience = config.TokenURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AuthProvider{config: config, key: key, client: client, now: time.Now}, nil
}

// Token returns the held token, or nil before the first authorization.
func (a *AuthProvider) Token() *AuthToken {
	return a.token
}

// Invalidate drops the held token.
func (a *AuthProvider) Invalidate() {
	a.token = nil
}

// Authorize signs a fresh assertion and exchanges it for a bearer token,
// replacing any token already held.
func (a *AuthProvider) Authorize(ctx context.Context) error {
	issuedAt := a.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(a.config.TTL)

	assertion, err := a.assertion(issuedAt, expiresAt)
	if err != nil {
		return &AuthError{TokenURL: a.config.TokenURL, Err: err}
	}

	form := url.Values{
		"grant_type": {JWTBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &AuthError{TokenURL: a.config.TokenURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return &AuthError{TokenURL: a.config.TokenURL, Err: err}
	}
	if err := httpx.CheckResponse(resp); err != nil {
		return &AuthError{TokenURL: a.config.TokenURL, Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return &AuthError{TokenURL: a.config.TokenURL, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if body.AccessToken == "" {
		return &AuthError{TokenURL: a.config.TokenURL, Err: errors.New("malformed token response: missing access_token")}
	}

	a.token = &AuthToken{
		Bearer:    body.AccessToken,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Scopes:    append([]string(nil), a.config.Scopes...),
		Audience:  a.config.Audience,
	}
	slog.Debug("Obtained access token.", "issuer", a.config.Issuer, "expiresAt", expiresAt)
	return nil
}

// Attach sets the bearer header on req, authorizing first when no token is
// held.
func (a *AuthProvider) Attach(req *http.Request) (*http.Request, error) {
	if a.token == nil {
		if err := a.Authorize(req.Context()); err != nil {
			return nil, err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.token.Bearer)
	return req, nil
}

func (a *AuthProvider) assertion(issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   a.config.Issuer,
		"scope": strings.Join(a.config.Scopes, " "),
		"aud":   a.config.Audience,
		"iat":   issuedAt.Unix(),
		"exp":   expiresAt.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}
