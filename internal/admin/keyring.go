package admin

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by an admin API token. Role is informational for audit
// logs; possession of any valid token grants the full surface.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Keyring signs and verifies the HS256 bearer tokens protecting the
// administrative surface. Secrets live base64url-encoded in the
// configuration and are selected by the token's kid header, so keys can
// rotate without invalidating tokens minted under the previous kid.
type Keyring struct {
	keys       map[string][]byte // kid -> secret
	currentKID string
	issuer     string
	skew       time.Duration
	// maxTTL caps Sign and rejects foreign tokens minted for longer.
	maxTTL time.Duration
}

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrTTLTooLarge    = errors.New("token lifetime exceeds policy")
)

func NewKeyring(keys map[string]string, current, issuer string, skewSec int) (*Keyring, error) {
	kr := &Keyring{
		keys:   make(map[string][]byte, len(keys)),
		issuer: issuer,
		skew:   time.Duration(skewSec) * time.Second,
		maxTTL: 24 * time.Hour,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("token key %q: %w", kid, err)
		}
		if len(dec) < 16 {
			return nil, fmt.Errorf("token key %q too short; need >=16 bytes", kid)
		}
		kr.keys[kid] = dec
	}
	if _, ok := kr.keys[current]; !ok {
		return nil, errors.New("current_kid not found in token_keys")
	}
	kr.currentKID = current
	if kr.issuer == "" {
		kr.issuer = "gatewarden"
	}
	return kr, nil
}

// Sign mints a token for ops tooling under the current kid. ttl is clamped
// to the keyring's maximum.
func (k *Keyring) Sign(role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > k.maxTTL {
		ttl = k.maxTTL
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    k.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = k.currentKID
	return t.SignedString(k.keys[k.currentKID])
}

// Verify checks signature, issuer and time claims. Only HS256 tokens with
// a known kid and an expiry pass; the parser rejects alg confusion by
// construction.
func (k *Keyring) Verify(tok string) (*Claims, error) {
	if tok == "" {
		return nil, ErrEmptyToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(k.skew),
		jwt.WithExpirationRequired(),
	)
	var claims Claims
	token, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kidVal, ok := t.Header["kid"]
		if !ok {
			return nil, ErrMissingKID
		}
		kid, _ := kidVal.(string)
		secret, ok := k.keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	// Issuer check (constant-time).
	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.issuer)) != 1 {
		return nil, ErrIssuerMismatch
	}
	// Lifetime cap, independent of when the token was presented.
	if claims.IssuedAt != nil && claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > k.maxTTL+k.skew {
		return nil, ErrTTLTooLarge
	}
	return &claims, nil
}
