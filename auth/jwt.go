// Package auth establishes the identity of connecting clients from HS256
// JSON Web Tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is who a session or request acts as.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Login     string `json:"login,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// AppClaims represents the custom claims for the JWT.
type AppClaims struct {
	jwt.RegisteredClaims
	Login     string `json:"login"`
	AvatarURL string `json:"avatarUrl"`
	Name      string `json:"name"`
}

// Authenticator verifies tokens. With AllowAnonymous, a request without a
// token acts as an unverified identity; the client may suggest its id so a
// reconnecting browser keeps the same one.
type Authenticator struct {
	secret         []byte
	allowAnonymous bool
}

func NewAuthenticator(secret string, allowAnonymous bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), allowAnonymous: allowAnonymous}
}

// IssueToken signs a token for id valid for ttl.
func (a *Authenticator) IssueToken(id Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login:     id.Login,
		AvatarURL: id.AvatarURL,
		Name:      id.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseToken verifies tokenString and returns the identity it carries.
func (a *Authenticator) ParseToken(tokenString string) (*Identity, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("no signing secret configured: %w", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	name := claims.Name
	if name == "" {
		name = claims.Login
	}
	return &Identity{
		ID:        claims.Subject,
		Name:      name,
		Login:     claims.Login,
		AvatarURL: claims.AvatarURL,
	}, nil
}

// Authenticate resolves the identity of a client presenting tokenString.
// suggestedID and suggestedName are only honored for anonymous identities.
func (a *Authenticator) Authenticate(tokenString, suggestedID, suggestedName string) (*Identity, error) {
	if tokenString != "" {
		return a.ParseToken(tokenString)
	}
	if !a.allowAnonymous {
		return nil, fmt.Errorf("token required: %w", ErrInvalidToken)
	}
	return Anonymous(suggestedID, suggestedName), nil
}

// Anonymous builds an unverified identity.
func Anonymous(id, name string) *Identity {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	if name == "" {
		name = "Guest " + id[:4]
	}
	return &Identity{ID: id, Name: name, Anonymous: true}
}
