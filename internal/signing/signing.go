// Package signing authenticates inbound events and signs outbound ones.
//
// A signature is base64(HMAC-SHA256(secret, timestamp || body)) where timestamp
// is the decimal POSIX-seconds value carried in the partner's timestamp header.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxSkew is the replay window on either side of now.
const MaxSkew = 300 * time.Second

var (
	ErrMissingSignature = errors.New("missing signature or timestamp")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside tolerance window")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownSource    = errors.New("unknown event source")
)

// Partner is one signed integration sharing the webhook endpoint.
type Partner struct {
	Name            string
	SignatureHeader string
	TimestampHeader string
	Secret          []byte
}

// Sign computes the signature for body at timestamp (POSIX seconds).
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verifier checks signatures against a clock.
type Verifier struct {
	Now func() time.Time
}

// Verify returns nil when signature matches body at timestamp and the
// timestamp is within MaxSkew of now. Staleness is reported before the
// signature is compared.
func (v Verifier) Verify(secret []byte, signature, timestamp string, body []byte) error {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" || len(secret) == 0 {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return ErrStaleTimestamp
	}
	expected := Sign(secret, timestamp, body)
	if len(expected) != len(signature) {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Verify checks with the wall clock.
func Verify(secret []byte, signature, timestamp string, body []byte) error {
	return Verifier{}.Verify(secret, signature, timestamp, body)
}

// DetectSource picks the partner whose signature and timestamp headers are
// both present. Partners are tried in order.
func DetectSource(h http.Header, partners []Partner) (Partner, error) {
	for _, p := range partners {
		if h.Get(p.SignatureHeader) != "" && h.Get(p.TimestampHeader) != "" {
			return p, nil
		}
	}
	return Partner{}, ErrUnknownSource
}

// Headers returns the header values that sign body for partner at now.
func Headers(p Partner, body []byte, now time.Time) http.Header {
	ts := strconv.FormatInt(now.Unix(), 10)
	h := make(http.Header)
	h.Set(p.TimestampHeader, ts)
	h.Set(p.SignatureHeader, Sign(p.Secret, ts, body))
	return h
}

// VerifyRequest detects the partner for h and verifies body against it.
func (v Verifier) VerifyRequest(h http.Header, body []byte, partners []Partner) (Partner, error) {
	p, err := DetectSource(h, partners)
	if err != nil {
		return Partner{}, err
	}
	if err := v.Verify(p.Secret, h.Get(p.SignatureHeader), h.Get(p.TimestampHeader), body); err != nil {
		return p, err
	}
	return p, nil
}
