package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// APICreds holds the HMAC credentials for authenticated CLOB requests,
// obtained via the derive-api-key auth flow.
type APICreds struct {
	Key        string
	Secret     string // base64-encoded
	Passphrase string
}

// RequestHeaders returns the signed headers for an authenticated CLOB
// request. The signature covers timestamp+method+path+body with the
// base64-decoded secret as HMAC key.
func (c *APICreds) RequestHeaders(address, method, path, body string) map[string]string {
	return c.RequestHeadersAt(address, method, path, body, time.Now().Unix())
}

// RequestHeadersAt is RequestHeaders with a caller-supplied Unix timestamp,
// so tests can produce deterministic signatures.
func (c *APICreds) RequestHeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secret, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		// A raw secret produces a visibly wrong signature instead of a panic.
		secret = []byte(c.Secret)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// String redacts the secret fields for logging.
func (c *APICreds) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APICreds{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}
