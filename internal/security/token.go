package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sessiongate/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// SessionClaims bind a bearer token to one registry session. The registry stays the source
// of truth; the token only names the session.
type SessionClaims struct {
	Identity  string `json:"idn"`
	SessionID string `json:"sid"`
	ClientID  string `json:"cid,omitempty"`
	Role      string `json:"role"`
	Shared    bool   `json:"shr,omitempty"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue signs a token for session. It never outlives the session itself.
func (t *TokenIssuer) Issue(session models.Session) (string, error) {
	now := t.now()
	expires := session.ExpiresAt
	if t.ttl > 0 && now.Add(t.ttl).Before(expires) {
		expires = now.Add(t.ttl)
	}

	claims := SessionClaims{
		Identity:  session.Identity,
		SessionID: session.ID,
		ClientID:  session.Client.ID,
		Role:      string(session.Role),
		Shared:    session.Shared,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   session.Identity,
			ID:        session.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Parse(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid && claims.SessionID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
