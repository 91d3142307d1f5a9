package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signature headers
const (
	SignatureHeader = "X-Leadflow-Signature"
	TimestampHeader = "X-Leadflow-Timestamp"
)

// DefaultTolerance bounds the age of a signed request.
const DefaultTolerance = 5 * time.Minute

// SignatureError rejects a callback that failed the authenticity check.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "invalid webhook signature: " + e.Reason
}

// Verifier decides whether a callback is authentic.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(header http.Header, body []byte) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(header http.Header, body []byte) error {
	return f(header, body)
}

// AllowAll accepts every callback. Only for local development.
var AllowAll Verifier = VerifierFunc(func(http.Header, []byte) error { return nil })

// HMACVerifier checks an HMAC-SHA256 over "<timestamp>.<body>" sent as
// "sha256=<hex>" in SignatureHeader, with the Unix timestamp in
// TimestampHeader.
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier creates a verifier for secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), tolerance: DefaultTolerance, now: time.Now}
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(header http.Header, body []byte) error {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return &SignatureError{Reason: "missing signature"}
	}
	tsRaw := header.Get(TimestampHeader)
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return &SignatureError{Reason: "missing or malformed timestamp"}
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return &SignatureError{Reason: "timestamp outside tolerance"}
	}

	got, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return &SignatureError{Reason: "malformed signature"}
	}
	if !hmac.Equal(got, v.mac(tsRaw, body)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

func (v *HMACVerifier) mac(ts string, body []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	_, _ = h.Write([]byte(ts))
	_, _ = h.Write([]byte("."))
	_, _ = h.Write(body)
	return h.Sum(nil)
}

// Sign returns the header values a sender attaches for secret.
func Sign(secret string, at time.Time, body []byte) (signature, timestamp string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	v := NewHMACVerifier(secret)
	return "sha256=" + hex.EncodeToString(v.mac(timestamp, body)), timestamp
}
