// Package hmacauth verifies signed requests: the signature is the hex
// HMAC-SHA256 of the timestamp header followed by the raw body.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks request signatures. An empty Secret disables verification.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	SignatureHeader string
	TimestampHeader string
	Now             func() time.Time
	Logger          *zap.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			if v.Logger != nil {
				v.Logger.Warn("rejected request",
					zap.String("path", r.URL.Path),
					zap.String("request_id", r.Header.Get("X-Request-Id")),
					zap.Error(err))
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks r and leaves its body readable.
func (v *Verifier) Verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig := r.Header.Get(v.signatureHeader())
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(v.timestampHeader())
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return err
	}

	expected := Sign(v.Secret, tsHeader, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature a client sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) signatureHeader() string {
	if v.SignatureHeader != "" {
		return v.SignatureHeader
	}
	return DefaultSignatureHeader
}

func (v *Verifier) timestampHeader() string {
	if v.TimestampHeader != "" {
		return v.TimestampHeader
	}
	return DefaultTimestampHeader
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
