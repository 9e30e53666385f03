// Package auth verifies bearer credentials presented during the websocket
// handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what a verified credential resolves to.
type Identity struct {
	UserID  string
	Name    string
	Email   string
	Picture string
}

// Verifier is the identity provider.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// Claims are the token claims the server reads.
type Claims struct {
	jwt.RegisteredClaims
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
}

func (c *Claims) identity() (*Identity, error) {
	if c.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	name := strings.TrimSpace(c.GivenName + " " + c.FamilyName)
	return &Identity{UserID: c.Subject, Name: name, Email: c.Email, Picture: c.Picture}, nil
}

// HMACVerifier checks HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *HMACVerifier) Verify(_ context.Context, credential string) (*Identity, error) {
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "" {
		return nil, errors.New("token is empty")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims.identity()
}

// NewHMACToken issues an HS256 token for subject. Development and test
// tooling use it to mint credentials the HMACVerifier accepts.
func NewHMACToken(secret, issuer, subject, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		GivenName: name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ExtractToken reads the bearer credential from the query or the
// Authorization header.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
