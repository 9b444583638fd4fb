package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAcceptsFreshSignedRequest(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	assert.True(t, v.Verify(body, ts, sign("secret", ts, body)))
}

func TestVerifyAcceptsSlightClockSkew(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{}`)

	for _, offset := range []time.Duration{-4 * time.Minute, 4 * time.Minute} {
		ts := strconv.FormatInt(time.Now().Add(offset).Unix(), 10)
		assert.True(t, v.Verify(body, ts, sign("secret", ts, body)), "offset %v", offset)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)

	assert.False(t, v.Verify(body, ts, sign("secret", ts, body)))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign("secret", ts, body)

	// Flip one signature byte.
	tampered := []byte(sig)
	if tampered[len(tampered)-1] == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}

	assert.False(t, v.Verify(body, ts, string(tampered)))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier("secret")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign("secret", ts, []byte(`{"a":1}`))

	assert.False(t, v.Verify([]byte(`{"a":2}`), ts, sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	assert.False(t, v.Verify(body, ts, sign("other", ts, body)))
}

func TestVerifyRejectsMissingInputs(t *testing.T) {
	v := NewVerifier("secret")
	assert.False(t, v.Verify([]byte(`{}`), "", "v0=abc"))
	assert.False(t, v.Verify([]byte(`{}`), "123", ""))
	assert.False(t, v.Verify([]byte(`{}`), "not-a-number", "v0=abc"))
	assert.False(t, NewVerifier("").Verify([]byte(`{}`), "123", "v0=abc"))
}
