package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// replayWindow bounds how stale a signed request may be.
const replayWindow = 5 * time.Minute

// Verifier checks Slack request signatures.
// See https://api.slack.com/authentication/verifying-requests-from-slack
type Verifier struct {
	signingSecret string
	now           func() time.Time
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(signingSecret string) *Verifier {
	return &Verifier{signingSecret: signingSecret, now: time.Now}
}

// Verify reports whether signature matches the HMAC-SHA256 of
// "v0:<timestamp>:<body>" under the signing secret, and the timestamp is
// within the replay window.
func (v *Verifier) Verify(body []byte, timestamp, signature string) bool {
	if v.signingSecret == "" || timestamp == "" || signature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	diff := v.now().Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(replayWindow/time.Second) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(v.signingSecret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
