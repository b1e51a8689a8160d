// Package auth resolves the caller of a WebSocket upgrade into a user id
// and a role.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Claims carries either a single role or a roles array.
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 tokens passed as ?token= or a Bearer header.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider creates a provider. An empty issuer skips the iss check.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

// Authenticate implements interfaces.IdentityProvider.
func (p *JWTProvider) Authenticate(r *http.Request) (interfaces.Identity, error) {
	tok := tokenFromRequest(r)
	if tok == "" {
		return interfaces.Identity{}, unauthorized(ErrMissingToken)
	}
	return p.Parse(tok)
}

// Parse validates tok and derives the identity from its claims.
func (p *JWTProvider) Parse(tok string) (interfaces.Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return interfaces.Identity{}, unauthorized(ErrInvalidToken)
	}

	if !types.IsValidUserID(claims.Subject) {
		return interfaces.Identity{}, unauthorized(ErrInvalidIdentity)
	}
	role, ok := roleFromClaims(claims)
	if !ok {
		return interfaces.Identity{}, invalidRole()
	}
	return interfaces.Identity{UserID: claims.Subject, Role: role}, nil
}

// Mint issues a token for userID. Used by the terminal client and tests.
func (p *JWTProvider) Mint(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: types.NormalizeRole(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// roleFromClaims prefers the roles array, where COUNSELOR wins over any
// other entry, then falls back to the role claim and finally USER.
func roleFromClaims(c *Claims) (string, bool) {
	if len(c.Roles) > 0 {
		for _, r := range c.Roles {
			if normalize(r) == types.RoleCounselor {
				return types.RoleCounselor, true
			}
		}
		return types.RoleUser, true
	}
	if c.Role == "" {
		return types.RoleUser, true
	}
	role := normalize(c.Role)
	return role, types.IsValidRole(role)
}

func normalize(role string) string {
	return strings.TrimPrefix(types.NormalizeRole(role), "ROLE_")
}

func tokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return strings.TrimSpace(hdr[7:])
		}
	}
	return ""
}

func unauthorized(err error) error {
	return fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
}

func invalidRole() error {
	return unauthorized(fmt.Errorf("%w: %w", ErrInvalidIdentity, types.ErrInvalidRole))
}

// QueryProvider trusts ?user_id= and ?role= as given. Development only.
type QueryProvider struct{}

func (QueryProvider) Authenticate(r *http.Request) (interfaces.Identity, error) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if !types.IsValidUserID(userID) {
		return interfaces.Identity{}, unauthorized(ErrInvalidIdentity)
	}
	role := normalize(q.Get("role"))
	if role == "" {
		role = types.RoleUser
	}
	if !types.IsValidRole(role) {
		return interfaces.Identity{}, invalidRole()
	}
	return interfaces.Identity{UserID: userID, Role: role}, nil
}
