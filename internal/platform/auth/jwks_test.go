package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func jwksServer(t *testing.T, kid string, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/jwks"})
		case "/jwks":
			json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{{
				Kty: "RSA",
				Kid: kid,
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTMiddleware_DiscoveredJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := jwksServer(t, "k1", &key.PublicKey)

	claims := validClaims("tech-1")
	claims.Issuer = srv.URL
	claims.Name = "Sam Okafor"
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	c := e.NewContext(req, httptest.NewRecorder())

	var name string
	handler := func(c echo.Context) error {
		name = NameFromContext(c.Request().Context())
		return nil
	}
	if err := JWTMiddleware(JWTConfig{Issuer: srv.URL})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Sam Okafor" {
		t.Errorf("expected name from token, got %q", name)
	}
}

func TestJWKSCache_UnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	srv := jwksServer(t, "k1", &key.PublicKey)

	cache := NewJWKSCache(srv.URL+"/jwks", time.Minute)
	if _, err := cache.GetKey("k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}
	if _, err := cache.GetKey("nope"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestDiscoverJWKSURL_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := DiscoverJWKSURL(srv.URL); err == nil {
		t.Error("expected error when jwks_uri is missing")
	}
}
