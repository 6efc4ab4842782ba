package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now:     func() time.Time { return now },
	}
}

func signedRequest(body string, ts time.Time, secret string) *http.Request {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/greeting", strings.NewReader(body))
	req.Header.Set(DefaultTimestampHeader, stamp)
	req.Header.Set(DefaultSignatureHeader, Sign(secret, stamp, []byte(body)))
	return req
}

func TestMiddlewareAllowsValidSignature(t *testing.T) {
	body := `{"greeting":"Hello"}`
	req := signedRequest(body, now, "secret")
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusOK)
	})
	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen)
}

func TestMiddlewareRejectsInvalidSignature(t *testing.T) {
	req := signedRequest(`{"greeting":"Hello"}`, now, "other")
	rec := httptest.NewRecorder()

	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrInvalidSignature.Error())
}

func TestVerifyErrors(t *testing.T) {
	v := newVerifier()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	assert.ErrorIs(t, v.Verify(req), ErrMissingSignature)

	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	assert.ErrorIs(t, v.Verify(req), ErrMissingTimestamp)

	req.Header.Set(DefaultTimestampHeader, "yesterday")
	assert.ErrorIs(t, v.Verify(req), ErrMissingTimestamp)

	stale := signedRequest("{}", now.Add(-2*time.Minute), "secret")
	assert.ErrorIs(t, v.Verify(stale), ErrStaleTimestamp)

	future := signedRequest("{}", now.Add(2*time.Minute), "secret")
	assert.ErrorIs(t, v.Verify(future), ErrStaleTimestamp)
}

func TestVerifyCustomHeaders(t *testing.T) {
	v := newVerifier()
	v.SignatureHeader = "X-Greeter-Signature"
	v.TimestampHeader = "X-Greeter-Timestamp"

	stamp := strconv.FormatInt(now.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("X-Greeter-Timestamp", stamp)
	req.Header.Set("X-Greeter-Signature", Sign("secret", stamp, []byte("{}")))
	require.NoError(t, v.Verify(req))
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	v := &Verifier{}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.NoError(t, v.Verify(req))
}
