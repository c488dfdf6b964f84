package auth

import (
	"context"

	"github.com/amurg-ai/m10n/hub/internal/store"
)

// Roles.
const (
	RoleAdmin = store.RoleAdmin
	RoleUser  = store.RoleUser
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // store user ID
	Username string
	Role     string // "admin" or "user"
	OrgID    string // "default" for the builtin provider
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, req RegisterRequest) (*store.User, error)
}

// RegisterRequest describes a new hub account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
	Category string `json:"category,omitempty"` // developer category
}

// IsAdmin reports whether the identity may manage the catalog.
func IsAdmin(id *Identity) bool {
	return id != nil && id.Role == RoleAdmin
}

// CanViewPlans reports whether id may view the rate plans offered to userID.
// Admins may view plans as anyone; everyone else only as themselves.
func CanViewPlans(id *Identity, userID string) bool {
	if id == nil {
		return false
	}
	if id.Role == RoleAdmin {
		return true
	}
	return userID != "" && id.UserID == userID
}
