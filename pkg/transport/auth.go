package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	maxAuthAttempts = 3
	challengeSize   = 43
)

// Authenticator checks the shared secret. HTTP callers present it in SecretHeader;
// websocket peers answer a challenge with Sign.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns an Authenticator for secret. An empty secret admits everyone.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// CheckSecret compares a presented secret in constant time.
func (a *Authenticator) CheckSecret(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(presented)) == 1
}

// Sign answers a websocket challenge. The answer covers the payload codec the
// connection was opened with, so a signature for one codec is useless for another.
func Sign(secret, challenge, codec string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	mac.Write([]byte{0})
	mac.Write([]byte(codec))
	return hex.EncodeToString(mac.Sum(nil))
}

// Challenge issues a fresh challenge to client and moves it to StateAuthenticating.
func (a *Authenticator) Challenge(client *Client) (Frame, error) {
	challenge, err := gonanoid.New(challengeSize)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to generate challenge: %w", err)
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return Frame{Type: FrameChallenge, Challenge: challenge}, nil
}

// Verify checks client's answer to its challenge and returns the result frame.
// keep is false once the client has used up its attempts.
func (a *Authenticator) Verify(client *Client, signature string) (result Frame, keep bool) {
	if client.Challenge == "" {
		return Frame{Type: FrameAuthResult, Message: "no challenge issued"}, true
	}

	expected := Sign(string(a.secret), client.Challenge, client.Codec.Name())
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return Frame{Type: FrameAuthResult, Message: "too many failed attempts"}, false
		}
		return Frame{Type: FrameAuthResult, Message: "invalid signature"}, true
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return Frame{Type: FrameAuthResult, Success: true}, true
}
