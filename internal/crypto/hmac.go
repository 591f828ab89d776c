package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated requests.
const (
	HeaderKey       = "X-Raffle-Key"
	HeaderTimestamp = "X-Raffle-Timestamp"
	HeaderSignature = "X-Raffle-Signature"
)

// ErrStaleRequest is returned for a signed request outside the allowed clock
// skew.
var ErrStaleRequest = errors.New("crypto: stale request")

// HMACAuth authenticates raffle-to-coordinator requests with a shared
// secret. The signature is HMAC-SHA256(secret, timestamp+method+path+body)
// encoded as base64.
type HMACAuth struct {
	Key     string
	Secret  string
	MaxSkew time.Duration // zero means 30s
}

// Headers returns the headers for a request sent now.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with an explicit Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks the headers of an incoming request against the shared
// secret at time now.
func (h *HMACAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if !hmac.Equal([]byte(key), []byte(h.Key)) {
		return errors.New("crypto: unknown api key")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: bad timestamp %q: %w", ts, err)
	}
	skew := h.MaxSkew
	if skew == 0 {
		skew = 30 * time.Second
	}
	if d := now.Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: skew %s", ErrStaleRequest, d)
	}
	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return errors.New("crypto: signature mismatch")
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
