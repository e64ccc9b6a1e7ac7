package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Issuer mints and validates double-submit CSRF tokens of the form
// value.issued_at.signature, where signature is the hex HMAC-SHA256 of
// "value.issued_at" under the shared secret. The full token travels in a
// cookie; clients echo the value field on mutating requests.
type Issuer struct {
	secret []byte
	maxAge time.Duration

	nowFunc func() time.Time // test hook
}

// Validation outcome reasons, recorded with denial events.
const (
	ReasonMissing   = "missing_token"
	ReasonMalformed = "malformed_token"
	ReasonExpired   = "expired_token"
	ReasonSignature = "bad_signature"
	ReasonMismatch  = "value_mismatch"
)

func NewIssuer(secret string, maxAge time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("csrf: secret must be at least 32 bytes")
	}
	if maxAge <= 0 {
		return nil, errors.New("csrf: max age must be positive")
	}
	return &Issuer{secret: []byte(secret), maxAge: maxAge, nowFunc: time.Now}, nil
}

// Issue returns a fresh signed token.
func (i *Issuer) Issue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)
	issuedAt := strconv.FormatInt(i.nowFunc().Unix(), 10)
	return value + "." + issuedAt + "." + i.sign(value, issuedAt), nil
}

// Value returns the client-echoable first field of a token.
func Value(token string) string {
	v, _, _ := strings.Cut(token, ".")
	return v
}

// MaxAge reports the configured token lifetime.
func (i *Issuer) MaxAge() time.Duration {
	return i.maxAge
}

// Validate checks submitted against the signed cookie token. It returns
// false with a reason when any step fails: field count, freshness,
// signature, then value match. Comparisons are constant-time.
func (i *Issuer) Validate(submitted, cookieToken string) (bool, string) {
	if submitted == "" || cookieToken == "" {
		return false, ReasonMissing
	}
	parts := strings.Split(cookieToken, ".")
	if len(parts) != 3 {
		return false, ReasonMalformed
	}
	value, issuedAt, sig := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseInt(issuedAt, 10, 64)
	if err != nil {
		return false, ReasonMalformed
	}
	if i.nowFunc().Unix()-ts > int64(i.maxAge/time.Second) {
		return false, ReasonExpired
	}
	if !hmac.Equal([]byte(sig), []byte(i.sign(value, issuedAt))) {
		return false, ReasonSignature
	}
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(value)) != 1 {
		return false, ReasonMismatch
	}
	return true, ""
}

// Fresh reports whether token is well-formed, in date and carries a valid
// signature. Used to decide if a client's cookie needs re-issuing.
func (i *Issuer) Fresh(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return false
	}
	if i.nowFunc().Unix()-ts > int64(i.maxAge/time.Second) {
		return false
	}
	return hmac.Equal([]byte(parts[2]), []byte(i.sign(parts[0], parts[1])))
}

func (i *Issuer) sign(value, issuedAt string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(value + "." + issuedAt))
	return hex.EncodeToString(mac.Sum(nil))
}
