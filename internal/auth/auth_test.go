package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier("secret", "")

	t.Run("valid token", func(t *testing.T) {
		token, err := NewHMACToken("secret", "", "U1", "Ada", time.Minute)
		require.NoError(t, err)

		id, err := v.Verify(context.Background(), "Bearer "+token)
		require.NoError(t, err)
		assert.Equal(t, "U1", id.UserID)
		assert.Equal(t, "Ada", id.Name)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewHMACToken("other", "", "U1", "", time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := NewHMACToken("secret", "", "U1", "", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		require.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "")
		require.Error(t, err)
	})

	t.Run("no subject", func(t *testing.T) {
		token, err := NewHMACToken("secret", "", "", "", time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		require.Error(t, err)
	})

	t.Run("issuer enforced", func(t *testing.T) {
		strict := NewHMACVerifier("secret", "https://issuer.example")
		token, err := NewHMACToken("secret", "https://elsewhere.example", "U1", "", time.Minute)
		require.NoError(t, err)
		_, err = strict.Verify(context.Background(), token)
		require.Error(t, err)
	})
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	jwks := JWKS{Keys: []JWK{{
		Kid: kid,
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid, issuer, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		GivenName: "Ada",
		Email:     "ada@example.com",
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var hits atomic.Int32
	srv := jwksServer(t, key, "k1", &hits)

	v, err := NewJWKSVerifier(context.Background(), srv.URL, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	id, err := v.Verify(context.Background(), signRS256(t, key, "k1", srv.URL, "U1"))
	require.NoError(t, err)
	assert.Equal(t, "U1", id.UserID)
	assert.Equal(t, "ada@example.com", id.Email)

	_, err = v.Verify(context.Background(), signRS256(t, key, "unknown", srv.URL, "U1"))
	require.Error(t, err)

	_, err = v.Verify(context.Background(), signRS256(t, key, "k1", "https://elsewhere.example", "U1"))
	require.Error(t, err)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), signRS256(t, other, "k1", srv.URL, "U1"))
	require.Error(t, err)

	hmac, err := NewHMACToken("secret", srv.URL, "U1", "", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), hmac)
	require.Error(t, err)

	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestJWKSVerifierFailsWhenIssuerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewJWKSVerifier(context.Background(), srv.URL, srv.Client())
	require.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	assert.Equal(t, "abc", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", ExtractToken(r))
}
