package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/m10n/hub/internal/store"
)

// JWKSProvider validates JWTs issued by an external identity provider.
// Developers signing in this way are provisioned into the store on first
// sight so that the catalog can look up their email and category.
type JWKSProvider struct {
	issuer   string
	audience string
	keys     jwt.Keyfunc
	store    store.Store
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from
// {issuer}/.well-known/jwks.json.
func NewJWKSProvider(issuer, audience string, s store.Store) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}

	jwksURL := strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return newJWKSProvider(issuer, audience, jwks.Keyfunc, s), nil
}

func newJWKSProvider(issuer, audience string, keys jwt.Keyfunc, s store.Store) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, audience: audience, keys: keys, store: s}
}

// ValidateToken parses an external JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	token, err := jwt.Parse(tokenStr, p.keys, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := RoleUser
	if claimStr(claims, "role") == RoleAdmin || claimStr(claims, "org_role") == "org:admin" {
		role = RoleAdmin
	}

	username := sub
	switch {
	case claimStr(claims, "preferred_username") != "":
		username = claimStr(claims, "preferred_username")
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	id := &Identity{UserID: sub, Username: username, Role: role, OrgID: "default"}
	if err := p.provision(ctx, id, claimStr(claims, "email"), claimStr(claims, "developer_category")); err != nil {
		return nil, err
	}
	return id, nil
}

func (p *JWKSProvider) provision(ctx context.Context, id *Identity, email, category string) error {
	existing, err := p.store.GetUserByID(ctx, id.UserID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil
	}
	return p.store.CreateUser(ctx, &store.User{
		ID:        id.UserID,
		OrgID:     id.OrgID,
		Username:  id.Username,
		Email:     email,
		Category:  category,
		Role:      id.Role,
		CreatedAt: time.Now(),
	})
}

// Bootstrap is a no-op (users are managed by the issuer).
func (p *JWKSProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
