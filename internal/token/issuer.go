// Package token issues and verifies download capability tokens.
// A token names one line item of one purchase. It is a reference, not a
// reservation: presenting it still goes through the download authorizer, which
// consumes a unit per attempt.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Audience is the fixed aud claim of download tokens.
const Audience = "entitlements-download"

// Standard errors returned by Verify
var (
	ErrInvalid = errors.New("download token invalid")
	ErrExpired = errors.New("download token expired")
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key bytes, base64url
}

// Claims carried by a download token.
type Claims struct {
	PurchaseID string `json:"pid"`
	ProductID  string `json:"prd"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies download tokens with one Ed25519 key.
type Issuer struct {
	key    ed25519.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer from a 32-byte Ed25519 seed. An empty seed generates
// a random per-process key, which invalidates outstanding tokens on restart.
func NewIssuer(seed []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	var key ed25519.PrivateKey
	switch len(seed) {
	case 0:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		key = priv
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(seed)
	default:
		return nil, fmt.Errorf("token seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	pub := key.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Issuer{
		key:    key,
		kid:    base64.RawURLEncoding.EncodeToString(sum[:8]),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// ParseSeed decodes a base64 (standard or URL, padded or not) Ed25519 seed.
func ParseSeed(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("token seed is not valid base64")
}

// NewTestIssuer creates an issuer with a random key for tests.
func NewTestIssuer() *Issuer {
	i, err := NewIssuer(nil, "test-issuer", time.Hour)
	if err != nil {
		panic(err)
	}
	return i
}

// Issue signs a token for one line item.
func (i *Issuer) Issue(purchaseID, productID string) (string, time.Time, error) {
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := Claims{
		PurchaseID: purchaseID,
		ProductID:  productID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer, audience, and expiry.
func (i *Issuer) Verify(tokenString string) (Claims, error) {
	var claims Claims
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if kid, _ := token.Header["kid"].(string); kid != i.kid {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return i.key.Public(), nil
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.PurchaseID == "" || claims.ProductID == "" {
		return Claims{}, fmt.Errorf("%w: missing purchase or product", ErrInvalid)
	}
	return claims, nil
}

// JWKS publishes the verification key.
func (i *Issuer) JWKS() JWKS {
	pub := i.key.Public().(ed25519.PublicKey)
	return JWKS{Keys: []JWK{{
		Kty: "OKP",
		Kid: i.kid,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}
}
